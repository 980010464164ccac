// Package lockfile persists the integrity ledger: for each capability's
// lockfile base key (the first four dot-segments of its FQCN), the hash of
// the code last approved to run, whether it is trusted, and when.
package lockfile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/casys-ai/cer/pkg/cererr"
)

const currentVersion = 1

// Entry is one lockfile record, keyed by FQCN base.
type Entry struct {
	Integrity string    `json:"integrity"`
	Type      string    `json:"type"`
	Approved  bool      `json:"approved"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// document is the on-disk shape.
type document struct {
	Version   int              `json:"version"`
	Entries   map[string]Entry `json:"entries"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Lockfile is a file-backed, mutex-serialized store of integrity Entries.
// All reads and writes go through a single in-process writer, matching the
// depstate and workflow stores' concurrency model.
type Lockfile struct {
	mu             sync.Mutex
	path           string
	doc            document
	autoApproveNew bool
}

// Option configures New.
type Option func(*Lockfile)

// WithAutoApproveNew overrides the default first-seen policy (true: an FQCN
// never seen before is recorded and approved on first Validate).
func WithAutoApproveNew(auto bool) Option {
	return func(l *Lockfile) { l.autoApproveNew = auto }
}

// New loads (or initializes) a Lockfile at path.
func New(path string, opts ...Option) (*Lockfile, error) {
	l := &Lockfile{path: path, autoApproveNew: true}
	for _, opt := range opts {
		opt(l)
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var doc document
		if jerr := json.Unmarshal(raw, &doc); jerr != nil {
			return nil, cererr.Wrap(cererr.MetadataParseError, "lockfile: malformed document", jerr, map[string]any{"path": path})
		}
		if doc.Entries == nil {
			doc.Entries = make(map[string]Entry)
		}
		l.doc = doc
	case os.IsNotExist(err):
		l.doc = document{Version: currentVersion, Entries: make(map[string]Entry)}
	default:
		return nil, fmt.Errorf("lockfile: reading %s: %w", path, err)
	}

	return l, nil
}

// HashCode returns the "sha256-<hex>" integrity token for code.
func HashCode(code []byte) string {
	sum := sha256.Sum256(code)
	return "sha256-" + hex.EncodeToString(sum[:])
}

// parseToken splits an integrity token into its algorithm and hex digest,
// accepting both the current "sha256-<hex>" form and the legacy
// "sha1-<hex>" form.
func parseToken(token string) (algo, digest string, err error) {
	idx := strings.Index(token, "-")
	if idx < 0 {
		return "", "", fmt.Errorf("lockfile: malformed integrity token %q", token)
	}
	algo, digest = token[:idx], token[idx+1:]
	switch algo {
	case "sha256", "sha1":
		return algo, digest, nil
	default:
		return "", "", fmt.Errorf("lockfile: unsupported integrity algorithm %q", algo)
	}
}

// Validate checks hash against the stored entry for fqcnBase.
//
// Four outcomes:
//   - No prior entry and autoApproveNew is true: the entry is recorded and
//     approved, Validate returns (true, nil).
//   - No prior entry and autoApproveNew is false: returns (false, nil); the
//     caller is expected to route through Approve after human confirmation.
//   - Prior entry exists but is not approved: returns (false, nil).
//   - Prior approved entry: returns (true, nil) if hash matches; otherwise
//     returns a cererr.DependencyIntegrity error.
func (l *Lockfile) Validate(fqcnBase, hash, kind string) (bool, error) {
	if _, _, err := parseToken(hash); err != nil {
		return false, cererr.Wrap(cererr.DependencyIntegrity, "malformed integrity token", err, map[string]any{"fqcnBase": fqcnBase})
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.doc.Entries[fqcnBase]
	if !ok {
		if !l.autoApproveNew {
			return false, nil
		}
		now := l.now()
		l.doc.Entries[fqcnBase] = Entry{
			Integrity: hash,
			Type:      kind,
			Approved:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		l.doc.UpdatedAt = now
		return true, l.writeLocked()
	}

	if !entry.Approved {
		return false, nil
	}

	if entry.Integrity != hash {
		return false, cererr.New(cererr.DependencyIntegrity, "code hash does not match the approved lockfile entry", map[string]any{
			"fqcnBase": fqcnBase,
			"expected": entry.Integrity,
			"actual":   hash,
		})
	}

	return true, nil
}

// Approve records or updates an entry as approved, used after a
// human-in-the-loop confirmation for an entry that Validate declined to
// auto-approve, or to re-approve after a legitimate code update.
func (l *Lockfile) Approve(fqcnBase, hash, kind string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	existing, ok := l.doc.Entries[fqcnBase]
	createdAt := now
	if ok {
		createdAt = existing.CreatedAt
	}

	l.doc.Entries[fqcnBase] = Entry{
		Integrity: hash,
		Type:      kind,
		Approved:  true,
		CreatedAt: createdAt,
		UpdatedAt: now,
	}
	l.doc.UpdatedAt = now
	return l.writeLocked()
}

// Get returns the stored entry for fqcnBase, if any.
func (l *Lockfile) Get(fqcnBase string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.doc.Entries[fqcnBase]
	return e, ok
}

// Sync removes every entry whose key is not in keep, used after a registry
// sync to drop lockfile entries for capabilities no longer referenced.
func (l *Lockfile) Sync(keep map[string]struct{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key := range l.doc.Entries {
		if _, ok := keep[key]; !ok {
			delete(l.doc.Entries, key)
		}
	}
	l.doc.UpdatedAt = l.now()
	return l.writeLocked()
}

// Prune removes entries whose UpdatedAt is older than maxAge.
func (l *Lockfile) Prune(maxAge time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	for key, entry := range l.doc.Entries {
		if entry.UpdatedAt.Before(cutoff) {
			delete(l.doc.Entries, key)
		}
	}
	l.doc.UpdatedAt = l.now()
	return l.writeLocked()
}

// timeNow is overridden in tests to avoid depending on wall-clock time.
var timeNow = time.Now

func (l *Lockfile) now() time.Time { return timeNow() }

// writeLocked serializes the document to l.path. Callers must hold l.mu.
func (l *Lockfile) writeLocked() error {
	raw, err := json.MarshalIndent(l.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("lockfile: marshaling document: %w", err)
	}

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("lockfile: creating directory %s: %w", dir, err)
		}
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("lockfile: writing temp file: %w", err)
	}
	return os.Rename(tmp, l.path)
}
