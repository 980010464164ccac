// Package trace assembles a structured record of one capability invocation:
// every nested MCP call and loader branch it took, in order, with
// credential-shaped values redacted before the record ever leaves the
// process.
package trace

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/casys-ai/cer/pkg/cererr"
)

// CallRecord describes one nested mcp.<namespace>.<action> call made during
// a run.
type CallRecord struct {
	TaskID     string
	Identifier string
	Args       map[string]any
	Result     map[string]any
	Err        string
	Duration   time.Duration
	StartedAt  time.Time
}

// BranchRecord describes one routing decision the loader made while
// resolving a nested call (subprocess vs. remote vs. recursive capability
// load).
type BranchRecord struct {
	TaskID     string
	Identifier string
	Route      string // "subprocess", "remote", "capability"
	Detail     string
}

// Trace is the finalized record of a complete capability run.
type Trace struct {
	CapabilityID string
	UserID       string
	Success      bool
	Error        string
	Calls        []CallRecord
	Branches     []BranchRecord
	StartedAt    time.Time
	FinishedAt   time.Time
	Duration     time.Duration
}

// Syncer ships a finalized Trace somewhere (a collector endpoint, a log
// sink). NoopSyncer is used when no endpoint is configured.
type Syncer interface {
	Sync(t Trace) error
}

type NoopSyncer struct{}

func (NoopSyncer) Sync(Trace) error { return nil }

// Collector accumulates call and branch records for a single in-flight
// run and produces a Trace on Finalize. A Collector is single-use: once
// finalized, further Record* calls fail.
type Collector struct {
	mu           sync.Mutex
	capabilityID string
	userID       string
	startedAt    time.Time
	taskSeq      int
	calls        []CallRecord
	branches     []BranchRecord
	finalized    bool
	syncer       Syncer
}

// New starts a collector for one capability run. syncer may be nil, which
// installs NoopSyncer.
func New(capabilityID, userID string, syncer Syncer) *Collector {
	if syncer == nil {
		syncer = NoopSyncer{}
	}
	return &Collector{
		capabilityID: capabilityID,
		userID:       userID,
		startedAt:    timeNow(),
		syncer:       syncer,
	}
}

var timeNow = time.Now

// nextTaskID mints task ids in call order: t1, t2, ….
func (c *Collector) nextTaskID() string {
	c.taskSeq++
	return fmt.Sprintf("t%d", c.taskSeq)
}

// RecordMCPCall appends a redacted record of one nested call. It returns
// the task id assigned to the call so the caller can correlate it with a
// RecordBranch entry.
func (c *Collector) RecordMCPCall(identifier string, args, result map[string]any, callErr error, duration time.Duration, startedAt time.Time) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return "", cererr.New(cererr.CodeError, "cannot record a call on a finalized trace", map[string]any{"identifier": identifier})
	}

	taskID := c.nextTaskID()
	rec := CallRecord{
		TaskID:     taskID,
		Identifier: identifier,
		Args:       Redact(args),
		Result:     Redact(result),
		Duration:   duration,
		StartedAt:  startedAt,
	}
	if callErr != nil {
		rec.Err = callErr.Error()
	}
	c.calls = append(c.calls, rec)
	return taskID, nil
}

// RecordBranch appends a routing decision, tagged with a task id (typically
// the one returned by RecordMCPCall for the same call).
func (c *Collector) RecordBranch(taskID, identifier, route, detail string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return cererr.New(cererr.CodeError, "cannot record a branch on a finalized trace", map[string]any{"identifier": identifier})
	}
	c.branches = append(c.branches, BranchRecord{
		TaskID:     taskID,
		Identifier: identifier,
		Route:      route,
		Detail:     detail,
	})
	return nil
}

// Finalize closes out the collector and produces the Trace, syncing it
// through the configured Syncer. Finalize is idempotent-unsafe by design:
// a second call fails hard rather than silently producing a second trace
// for the same run.
func (c *Collector) Finalize(success bool, runErr error) (Trace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return Trace{}, cererr.New(cererr.CodeError, "trace already finalized", map[string]any{"capabilityId": c.capabilityID})
	}
	c.finalized = true

	finishedAt := timeNow()
	t := Trace{
		CapabilityID: c.capabilityID,
		UserID:       c.userID,
		Success:      success,
		Calls:        c.calls,
		Branches:     c.branches,
		StartedAt:    c.startedAt,
		FinishedAt:   finishedAt,
		Duration:     finishedAt.Sub(c.startedAt),
	}
	if runErr != nil {
		t.Error = runErr.Error()
	}

	if err := c.syncer.Sync(t); err != nil {
		return t, cererr.Wrap(cererr.CodeError, "failed to sync trace", err, map[string]any{"capabilityId": c.capabilityID})
	}
	return t, nil
}

const redactedPlaceholder = "***REDACTED***"

// credentialShapePatterns catches the common non-JWT credential shapes:
// bearer tokens, basic-auth headers, and long hex/base64-ish API keys.
var credentialShapePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^bearer\s+\S+$`),
	regexp.MustCompile(`(?i)^basic\s+\S+$`),
	regexp.MustCompile(`^sk-[A-Za-z0-9_-]{16,}$`),
	regexp.MustCompile(`^gh[pousr]_[A-Za-z0-9_]{20,}$`),
	regexp.MustCompile(`^[A-Za-z0-9_-]{32,}$`),
}

var sensitiveKeyNames = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"apikey":        true,
	"api_key":       true,
	"authorization": true,
	"accesstoken":   true,
	"access_token":  true,
	"clientsecret":  true,
	"client_secret": true,
}

// Redact returns a deep copy of m with any credential-shaped string value,
// or any value stored under a conventionally-sensitive key name, replaced
// by a fixed placeholder.
func Redact(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = redactValue(k, v)
	}
	return out
}

func redactValue(key string, v any) any {
	if sensitiveKeyNames[normalizeKey(key)] {
		return redactedPlaceholder
	}
	switch x := v.(type) {
	case string:
		if isCredentialShaped(x) {
			return redactedPlaceholder
		}
		return x
	case map[string]any:
		return Redact(x)
	case []any:
		out := make([]any, len(x))
		for i, elem := range x {
			out[i] = redactValue("", elem)
		}
		return out
	default:
		return v
	}
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(key, "-", ""), "_", ""))
}

// isCredentialShaped reports whether s looks like a JWT or another common
// credential format, independent of the key it's stored under.
func isCredentialShaped(s string) bool {
	if looksLikeJWT(s) {
		return true
	}
	for _, pat := range credentialShapePatterns {
		if pat.MatchString(s) {
			return true
		}
	}
	return false
}

// looksLikeJWT uses jwx's parser purely as a shape detector: a string that
// parses as a JWT (regardless of signature validity, which CER has no key
// material to check) is credential-shaped and gets redacted either way.
func looksLikeJWT(s string) bool {
	if strings.Count(s, ".") != 2 {
		return false
	}
	_, err := jwt.Parse([]byte(s), jwt.WithValidate(false), jwt.WithVerify(false))
	return err == nil
}
