// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apexmfg/qmib-bridge/internal/app/domain/batch"
	"github.com/apexmfg/qmib-bridge/internal/app/storage"
)

// Store is an in-memory batch and event-ack store.
type Store struct {
	mu      sync.RWMutex
	batches map[string]batch.Record
	acks    map[string][]batch.EventAck
}

var _ storage.BatchStore = (*Store)(nil)
var _ storage.EventAckStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		batches: make(map[string]batch.Record),
		acks:    make(map[string][]batch.EventAck),
	}
}

// BatchStore implementation ---------------------------------------------------

func (s *Store) CreateBatch(_ context.Context, rec batch.Record) (batch.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.LocalID == "" {
		rec.LocalID = uuid.NewString()
	} else if _, exists := s.batches[rec.LocalID]; exists {
		return batch.Record{}, fmt.Errorf("batch %s: %w", rec.LocalID, storage.ErrAlreadyExists)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Version = 0
	rec.Payload = copyPayload(rec.Payload)

	s.batches[rec.LocalID] = rec
	return cloneRecord(rec), nil
}

func (s *Store) GetBatch(_ context.Context, localID string) (batch.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.batches[localID]
	if !ok {
		return batch.Record{}, fmt.Errorf("batch %s: %w", localID, storage.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (s *Store) CompareAndSwapBatch(_ context.Context, localID string, expectedVersion int64, rec batch.Record) (batch.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.batches[localID]
	if !ok {
		return batch.Record{}, fmt.Errorf("batch %s: %w", localID, storage.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return batch.Record{}, fmt.Errorf("batch %s at version %d, expected %d: %w",
			localID, current.Version, expectedVersion, storage.ErrVersionConflict)
	}

	rec.LocalID = localID
	rec.CreatedAt = current.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	rec.Version = expectedVersion + 1
	rec.Payload = copyPayload(rec.Payload)

	s.batches[localID] = rec
	return cloneRecord(rec), nil
}

func (s *Store) ListBatches(_ context.Context) ([]batch.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]batch.Record, 0, len(s.batches))
	for _, rec := range s.batches {
		result = append(result, cloneRecord(rec))
	}
	return result, nil
}

func (s *Store) ListStuckSince(_ context.Context, state batch.State, cutoff time.Time) ([]batch.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]batch.Record, 0)
	for _, rec := range s.batches {
		if rec.State == state && !rec.UpdatedAt.After(cutoff) {
			result = append(result, cloneRecord(rec))
		}
	}
	return result, nil
}

// EventAckStore implementation ------------------------------------------------

func (s *Store) CreateEventAck(_ context.Context, ack batch.EventAck) (batch.EventAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ack.EventID == "" {
		return batch.EventAck{}, fmt.Errorf("event ack requires an event id")
	}
	if ack.AckedAt.IsZero() {
		ack.AckedAt = time.Now().UTC()
	}
	s.acks[ack.BatchID] = append(s.acks[ack.BatchID], ack)
	return ack, nil
}

func (s *Store) ListEventAcks(_ context.Context, batchID string) ([]batch.EventAck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]batch.EventAck(nil), s.acks[batchID]...), nil
}

// Helpers ---------------------------------------------------------------------

func copyPayload(src map[string]interface{}) map[string]interface{} {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneRecord(rec batch.Record) batch.Record {
	rec.Payload = copyPayload(rec.Payload)
	return rec
}
