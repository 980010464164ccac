// Package permission classifies a tool identifier against a user policy as
// allowed, denied, or requiring human approval (ask).
package permission

import (
	"strings"

	"github.com/casys-ai/cer/pkg/capid"
)

// Decision is the outcome of a permission check.
type Decision string

const (
	Allowed Decision = "allowed"
	Denied  Decision = "denied"
	Ask     Decision = "ask"
)

// Policy holds the three ordered glob lists. Precedence, highest first:
// Deny > Allow > Ask > implicit Ask.
type Policy struct {
	Deny  []string
	Allow []string
	Ask   []string
}

// Checker evaluates identifiers against a Policy.
type Checker struct {
	policy Policy
}

// New builds a Checker for the given policy.
func New(policy Policy) *Checker {
	return &Checker{policy: policy}
}

// Check classifies a single tool identifier.
//
// Glob semantics: "*" matches anything, "ns:*" matches all actions within
// ns, anything else is a literal exact match. An empty policy collapses to
// implicit Ask for every identifier.
func (c *Checker) Check(identifier string) Decision {
	if matchLists(identifier, c.policy.Deny) {
		return Denied
	}
	if matchLists(identifier, c.policy.Allow) {
		return Allowed
	}
	if matchLists(identifier, c.policy.Ask) {
		return Ask
	}
	return Ask
}

// CheckNamespace classifies a bare namespace (e.g. a subprocess dependency
// name) using the "ns:*" glob shape, so ensure-dependency (component K)
// can reuse the same precedence logic as tool-identifier checks.
func (c *Checker) CheckNamespace(namespace string) Decision {
	return c.Check(namespace + ":*")
}

// CheckCapability derives the capability-level decision for a multi-tool
// capability: any tool denied blocks the whole capability; any tool ask
// puts the capability under HIL mode; otherwise it runs auto (treated here
// as Allowed).
//
// This uses the exact same matchLists precedence as Check, so a namespace
// that is both allow- and deny-listed resolves to Denied at both the
// single-tool and capability-level entry points.
func (c *Checker) CheckCapability(identifiers []string) Decision {
	sawAsk := false
	for _, id := range identifiers {
		switch c.Check(id) {
		case Denied:
			return Denied
		case Ask:
			sawAsk = true
		}
	}
	if sawAsk {
		return Ask
	}
	return Allowed
}

// matchLists reports whether identifier matches any glob pattern in list.
func matchLists(identifier string, list []string) bool {
	for _, pattern := range list {
		if matches(identifier, pattern) {
			return true
		}
	}
	return false
}

// matches implements the policy's restricted glob semantics: "*" matches
// anything, "ns:*" matches all actions within ns, anything else must match
// the identifier literally.
func matches(identifier, pattern string) bool {
	if pattern == "*" {
		return true
	}

	if strings.HasSuffix(pattern, ":*") {
		ns := strings.TrimSuffix(pattern, ":*")
		id := capid.ParseIdentifier(identifier)
		if !id.Empty() {
			return id.Namespace == ns
		}
		// identifier may itself be a bare namespace string passed via
		// CheckNamespace's "ns:*" shape, or a malformed identifier; fall
		// back to a literal namespace-prefix comparison.
		return identifier == ns || strings.HasPrefix(identifier, ns+":")
	}

	return identifier == pattern
}
