package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apexmfg/qmib-bridge/internal/app/domain/batch"
	"github.com/apexmfg/qmib-bridge/internal/app/storage"
)

func TestCreateAndGetBatch(t *testing.T) {
	store := New()

	rec, err := store.CreateBatch(context.Background(), batch.Record{
		TemplateID: "T1",
		State:      batch.StateCreated,
		Payload:    map[string]interface{}{"lot": "L-1"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.LocalID == "" {
		t.Fatal("local id not assigned")
	}
	if rec.Version != 0 {
		t.Fatalf("version = %d, want 0", rec.Version)
	}

	got, err := store.GetBatch(context.Background(), rec.LocalID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TemplateID != "T1" || got.State != batch.StateCreated {
		t.Fatalf("unexpected record: %#v", got)
	}

	// Returned records are clones; mutating them must not leak into the store.
	got.Payload["lot"] = "tampered"
	again, _ := store.GetBatch(context.Background(), rec.LocalID)
	if again.Payload["lot"] != "L-1" {
		t.Fatal("payload mutation leaked into the store")
	}
}

func TestCreateBatch_DuplicateID(t *testing.T) {
	store := New()
	if _, err := store.CreateBatch(context.Background(), batch.Record{LocalID: "b1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateBatch(context.Background(), batch.Record{LocalID: "b1"}); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("error = %v, want ErrAlreadyExists", err)
	}
}

func TestCompareAndSwapBatch(t *testing.T) {
	store := New()
	rec, _ := store.CreateBatch(context.Background(), batch.Record{LocalID: "b1", State: batch.StateCreated})

	rec.State = batch.StateInProgress
	updated, err := store.CompareAndSwapBatch(context.Background(), "b1", rec.Version, rec)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if updated.Version != 1 {
		t.Fatalf("version = %d, want 1", updated.Version)
	}

	// Swapping against the stale version fails and leaves the record alone.
	rec.State = batch.StateCompleted
	if _, err := store.CompareAndSwapBatch(context.Background(), "b1", 0, rec); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("error = %v, want ErrVersionConflict", err)
	}
	got, _ := store.GetBatch(context.Background(), "b1")
	if got.State != batch.StateInProgress || got.Version != 1 {
		t.Fatalf("record mutated by failed cas: %#v", got)
	}
}

func TestCompareAndSwapBatch_NotFound(t *testing.T) {
	store := New()
	if _, err := store.CompareAndSwapBatch(context.Background(), "missing", 0, batch.Record{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestListStuckSince(t *testing.T) {
	store := New()
	old, _ := store.CreateBatch(context.Background(), batch.Record{LocalID: "old", State: batch.StatePublishPending})
	_, _ = store.CreateBatch(context.Background(), batch.Record{LocalID: "other", State: batch.StateCreated})

	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)
	_, _ = store.CreateBatch(context.Background(), batch.Record{LocalID: "fresh", State: batch.StatePublishPending})

	stuck, err := store.ListStuckSince(context.Background(), batch.StatePublishPending, cutoff)
	if err != nil {
		t.Fatalf("list stuck: %v", err)
	}
	if len(stuck) != 1 || stuck[0].LocalID != old.LocalID {
		t.Fatalf("stuck = %#v, want only %s", stuck, old.LocalID)
	}
}

func TestEventAcks(t *testing.T) {
	store := New()

	if _, err := store.CreateEventAck(context.Background(), batch.EventAck{}); err == nil {
		t.Fatal("expected error for missing event id")
	}

	ack, err := store.CreateEventAck(context.Background(), batch.EventAck{EventID: "EV-1", BatchID: "b1", AckedBy: "op"})
	if err != nil {
		t.Fatalf("create ack: %v", err)
	}
	if ack.AckedAt.IsZero() {
		t.Fatal("acked-at not defaulted")
	}

	acks, err := store.ListEventAcks(context.Background(), "b1")
	if err != nil {
		t.Fatalf("list acks: %v", err)
	}
	if len(acks) != 1 || acks[0].EventID != "EV-1" {
		t.Fatalf("acks = %#v", acks)
	}
}
