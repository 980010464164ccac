package workflow

import (
	"testing"
	"time"

	"github.com/casys-ai/cer/pkg/cererr"
)

func TestCreateThenGet(t *testing.T) {
	s := New(DefaultTTL)

	rec := s.Create(KindDependency, "ssh:connect", true, map[string]any{"reason": "not installed"})
	if rec.ID == "" {
		t.Fatal("expected a generated id")
	}

	got, err := s.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Identifier != "ssh:connect" || !got.NeedsInstallation {
		t.Fatalf("Get = %+v, want matching identifier and NeedsInstallation=true", got)
	}
}

func TestGetUnknownIDFails(t *testing.T) {
	s := New(DefaultTTL)
	_, err := s.Get("does-not-exist")
	if !cererr.Is(err, cererr.WorkflowNotFound) {
		t.Fatalf("expected WorkflowNotFound, got %v", err)
	}
}

func TestGetExpiredRecordFails(t *testing.T) {
	s := New(50 * time.Millisecond)
	rec := s.Create(KindDependency, "ssh:connect", false, nil)

	time.Sleep(100 * time.Millisecond)

	_, err := s.Get(rec.ID)
	if !cererr.Is(err, cererr.WorkflowNotFound) {
		t.Fatalf("expected WorkflowNotFound for expired record, got %v", err)
	}
}

func TestSetWithIDPreservesCaller(t *testing.T) {
	s := New(DefaultTTL)
	s.SetWithID(Record{ID: "workflow-123", Kind: KindDependency, Identifier: "memory:store"})

	got, err := s.Get("workflow-123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Identifier != "memory:store" {
		t.Fatalf("Get.Identifier = %q, want memory:store", got.Identifier)
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	s := New(DefaultTTL)
	rec := s.Create(KindDependency, "memory:store", false, nil)
	s.Delete(rec.ID)

	if _, err := s.Get(rec.ID); !cererr.Is(err, cererr.WorkflowNotFound) {
		t.Fatalf("expected WorkflowNotFound after Delete, got %v", err)
	}
}

func TestSizeAndClear(t *testing.T) {
	s := New(DefaultTTL)
	s.Create(KindDependency, "a:a", false, nil)
	s.Create(KindDependency, "b:b", false, nil)

	if s.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", s.Size())
	}

	s.Clear()
	if s.Size() != 0 {
		t.Fatalf("Size() after Clear = %d, want 0", s.Size())
	}
}

func TestCreateOpportunisticallyPurgesExpired(t *testing.T) {
	s := New(30 * time.Millisecond)
	s.Create(KindDependency, "a:a", false, nil)

	time.Sleep(60 * time.Millisecond)

	s.Create(KindDependency, "b:b", false, nil)
	if s.Size() != 1 {
		t.Fatalf("Size() = %d, want 1 (expired entry should be purged on Create)", s.Size())
	}
}
