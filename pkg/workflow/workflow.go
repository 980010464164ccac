// Package workflow holds pending human-in-the-loop approval records: when
// the runtime needs a human to confirm a dependency install, a credential,
// or an ask-gated tool call, it suspends execution and records a
// resumable workflow the caller can later continue with a continuation
// token.
package workflow

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casys-ai/cer/pkg/cererr"
)

// DefaultTTL is how long a pending workflow record remains resumable.
const DefaultTTL = 5 * time.Minute

// ApprovalKind is the single closed set of reasons a workflow can be
// suspended for human approval. The distinction between "approve a
// dependency that still needs installing" and "approve a tool call against
// an already-installed dependency" is carried by NeedsInstallation rather
// than by a second top-level kind, so callers have one envelope shape to
// branch on.
type ApprovalKind string

const (
	// KindDependency covers both environment-credential confirmation and
	// ask-gated permission approval for a tool or capability, whether or
	// not the underlying dependency is already installed.
	KindDependency ApprovalKind = "dependency"
)

// Record is a suspended workflow awaiting human approval.
type Record struct {
	ID                string
	Kind              ApprovalKind
	Identifier        string
	NeedsInstallation bool
	Context           map[string]any
	CreatedAt         time.Time
}

// Store holds pending Records in memory, keyed by workflow id, with a
// fixed TTL after which a record is treated as expired even if it has not
// yet been explicitly deleted.
type Store struct {
	mu      sync.Mutex
	records map[string]Record
	ttl     time.Duration
}

// New builds a Store with the given TTL. A zero ttl uses DefaultTTL.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{records: make(map[string]Record), ttl: ttl}
}

// Create allocates a new workflow id and records it, opportunistically
// purging any expired entries first so the store does not grow unbounded
// between explicit Delete calls.
func (s *Store) Create(kind ApprovalKind, identifier string, needsInstallation bool, ctx map[string]any) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpiredLocked()

	rec := Record{
		ID:                uuid.NewString(),
		Kind:              kind,
		Identifier:        identifier,
		NeedsInstallation: needsInstallation,
		Context:           ctx,
		CreatedAt:         time.Now(),
	}
	s.records[rec.ID] = rec
	return rec
}

// SetWithID records rec under rec.ID verbatim, for callers that already
// minted an id (e.g. replaying a continuation token from an external
// caller). CreatedAt is stamped to now if the caller left it zero.
func (s *Store) SetWithID(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpiredLocked()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.records[rec.ID] = rec
}

// Get returns the Record for id, or a cererr.WorkflowNotFound error if it
// is absent or has exceeded the store's TTL (a present-but-expired record
// is treated identically to an absent one and is evicted as a side
// effect).
func (s *Store) Get(id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, cererr.New(cererr.WorkflowNotFound, "no pending workflow with this id", map[string]any{"workflowId": id})
	}

	if time.Since(rec.CreatedAt) > s.ttl {
		delete(s.records, id)
		return Record{}, cererr.New(cererr.WorkflowNotFound, "pending workflow has expired", map[string]any{"workflowId": id})
	}

	return rec, nil
}

// Delete removes a workflow record, used once its approval has been
// consumed (successfully or not) and it should not be resumable again.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}

// Size returns the number of records currently stored, including any not
// yet opportunistically purged.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Clear removes every pending workflow record.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]Record)
}

// purgeExpiredLocked drops every record past its TTL. Callers must hold s.mu.
func (s *Store) purgeExpiredLocked() {
	now := time.Now()
	for id, rec := range s.records {
		if now.Sub(rec.CreatedAt) > s.ttl {
			delete(s.records, id)
		}
	}
}
