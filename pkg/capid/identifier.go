// Package capid parses and serializes the two name shapes the runtime
// routes on: the tool identifier (namespace:action) and the fully-qualified
// capability name (FQCN).
package capid

import (
	"fmt"
	"strings"
)

// Identifier is a (namespace, action) pair naming an operation a capability
// or subprocess exposes.
type Identifier struct {
	Namespace string
	Action    string
}

// legacyPrefix and legacySep match the double-underscore legacy form
// "mcp__<namespace>__<action>".
const (
	legacyPrefix = "mcp__"
	legacySep    = "__"
)

// ParseIdentifier accepts both serializations the core supports:
//   - colon form: "namespace:action"
//   - legacy double-underscore form: "mcp__namespace__action"
//
// An empty or malformed string yields an Identifier with an empty
// Namespace; callers route that through the configured default
// classification rather than treating it as a parse error.
func ParseIdentifier(raw string) Identifier {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, legacyPrefix) {
		rest := strings.TrimPrefix(raw, legacyPrefix)
		parts := strings.SplitN(rest, legacySep, 2)
		if len(parts) == 2 {
			return Identifier{Namespace: parts[0], Action: parts[1]}
		}
		return Identifier{}
	}

	if idx := strings.Index(raw, ":"); idx >= 0 {
		return Identifier{Namespace: raw[:idx], Action: raw[idx+1:]}
	}

	return Identifier{}
}

// String emits the canonical colon form.
func (id Identifier) String() string {
	return id.Namespace + ":" + id.Action
}

// Empty reports whether neither namespace nor action is set.
func (id Identifier) Empty() bool {
	return id.Namespace == "" && id.Action == ""
}

// FQCN is a dot-separated hierarchical capability name of at least four
// segments, optionally with a trailing short-hash segment identifying a
// specific published revision.
type FQCN string

// Segments splits the FQCN on '.'.
func (f FQCN) Segments() []string {
	if f == "" {
		return nil
	}
	return strings.Split(string(f), ".")
}

// Base returns the first four dot-segments, the lockfile's canonical key.
func (f FQCN) Base() (string, error) {
	segs := f.Segments()
	if len(segs) < 4 {
		return "", fmt.Errorf("capid: FQCN %q has fewer than four segments", f)
	}
	return strings.Join(segs[:4], "."), nil
}

// Valid reports whether f has at least four dot-segments and no empty
// segment.
func (f FQCN) Valid() bool {
	segs := f.Segments()
	if len(segs) < 4 {
		return false
	}
	for _, s := range segs {
		if s == "" {
			return false
		}
	}
	return true
}

// FromDotted builds an FQCN from a string already believed to be in dotted
// form, validating segment count.
func FromDotted(s string) (FQCN, error) {
	f := FQCN(s)
	if !f.Valid() {
		return "", fmt.Errorf("capid: %q is not a valid FQCN (need >= 4 dot-segments)", s)
	}
	return f, nil
}

// FromColonOrDotted normalizes either a "namespace:action"-shaped string or
// an already-dotted FQCN-shaped string into a best-effort FQCN, used by the
// registry client to build the fetch path from whatever the caller passed
// to Loader.Call.
func FromColonOrDotted(s string) FQCN {
	if strings.Contains(s, ":") {
		id := ParseIdentifier(s)
		if id.Namespace != "" {
			return FQCN(id.Namespace + "." + id.Action)
		}
	}
	return FQCN(s)
}
