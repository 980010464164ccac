package lockfile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/casys-ai/cer/pkg/cererr"
)

func withFrozenClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := timeNow
	timeNow = func() time.Time { return at }
	t.Cleanup(func() { timeNow = prev })
}

func TestHashCodeFormat(t *testing.T) {
	token := HashCode([]byte("hello"))
	if token[:7] != "sha256-" {
		t.Fatalf("HashCode = %q, want sha256- prefix", token)
	}
}

func TestValidateAutoApprovesFirstSeen(t *testing.T) {
	withFrozenClock(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	path := filepath.Join(t.TempDir(), "lockfile.json")
	lf, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	hash := HashCode([]byte("capability code v1"))
	ok, err := lf.Validate("acme.proj.ns.action", hash, "capability")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ok {
		t.Fatal("expected first-seen entry to auto-approve")
	}

	entry, found := lf.Get("acme.proj.ns.action")
	if !found || !entry.Approved {
		t.Fatalf("expected approved entry, got %+v (found=%v)", entry, found)
	}
}

func TestValidateDoesNotAutoApproveWhenDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockfile.json")
	lf, err := New(path, WithAutoApproveNew(false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	hash := HashCode([]byte("capability code v1"))
	ok, err := lf.Validate("acme.proj.ns.action", hash, "capability")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ok {
		t.Fatal("expected strict-mode Validate to decline unknown entry")
	}
	if _, found := lf.Get("acme.proj.ns.action"); found {
		t.Fatal("expected no entry to be recorded in strict mode")
	}
}

func TestValidateDetectsHashMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockfile.json")
	lf, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	original := HashCode([]byte("capability code v1"))
	if _, err := lf.Validate("acme.proj.ns.action", original, "capability"); err != nil {
		t.Fatalf("Validate (seed): %v", err)
	}

	tampered := HashCode([]byte("capability code v2 - tampered"))
	ok, err := lf.Validate("acme.proj.ns.action", tampered, "capability")
	if ok {
		t.Fatal("expected mismatch to fail validation")
	}
	if !cererr.Is(err, cererr.DependencyIntegrity) {
		t.Fatalf("expected DependencyIntegrity kind, got %v", err)
	}
}

func TestApproveThenValidateSucceeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockfile.json")
	lf, err := New(path, WithAutoApproveNew(false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	hash := HashCode([]byte("capability code v1"))
	if err := lf.Approve("acme.proj.ns.action", hash, "capability"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	ok, err := lf.Validate("acme.proj.ns.action", hash, "capability")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ok {
		t.Fatal("expected approved entry to validate")
	}
}

func TestValidateRejectsMalformedToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockfile.json")
	lf, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = lf.Validate("acme.proj.ns.action", "not-a-real-token", "capability")
	if err == nil {
		t.Fatal("expected malformed-token error")
	}
}

func TestValidateAcceptsLegacySha1Token(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockfile.json")
	lf, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ok, err := lf.Validate("acme.proj.ns.action", "sha1-abcdef0123456789", "capability")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ok {
		t.Fatal("expected legacy sha1 token to be accepted on first-seen")
	}
}

func TestSyncRemovesUnreferencedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockfile.json")
	lf, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	hash := HashCode([]byte("v1"))
	if _, err := lf.Validate("acme.a.b.c", hash, "capability"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, err := lf.Validate("acme.d.e.f", hash, "capability"); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if err := lf.Sync(map[string]struct{}{"acme.a.b.c": {}}); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if _, found := lf.Get("acme.d.e.f"); found {
		t.Fatal("expected unreferenced entry to be removed")
	}
	if _, found := lf.Get("acme.a.b.c"); !found {
		t.Fatal("expected referenced entry to survive Sync")
	}
}

func TestPruneRemovesStaleEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockfile.json")
	withFrozenClock(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	lf, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	hash := HashCode([]byte("v1"))
	if _, err := lf.Validate("acme.a.b.c", hash, "capability"); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	timeNow = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }

	if err := lf.Prune(24 * time.Hour); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if _, found := lf.Get("acme.a.b.c"); found {
		t.Fatal("expected stale entry to be pruned")
	}
}

func TestNewLoadsExistingDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockfile.json")

	lf, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hash := HashCode([]byte("v1"))
	if _, err := lf.Validate("acme.a.b.c", hash, "capability"); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	reloaded, err := New(path)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	entry, found := reloaded.Get("acme.a.b.c")
	if !found || entry.Integrity != hash {
		t.Fatalf("expected reloaded entry to match, got %+v (found=%v)", entry, found)
	}
}
