package storage

import (
	"context"
	"errors"
	"time"

	"github.com/apexmfg/qmib-bridge/internal/app/domain/batch"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict indicates a compare-and-swap lost against a
	// concurrent writer. Callers re-read and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrAlreadyExists indicates a create collided with an existing record.
	ErrAlreadyExists = errors.New("record already exists")
)

// BatchStore persists batch records. All mutation after creation goes through
// CompareAndSwapBatch so concurrent writers are detected, never overwritten.
type BatchStore interface {
	CreateBatch(ctx context.Context, rec batch.Record) (batch.Record, error)
	GetBatch(ctx context.Context, localID string) (batch.Record, error)

	// CompareAndSwapBatch stores rec if the current version equals
	// expectedVersion, bumping the version by one. On mismatch it returns
	// ErrVersionConflict and leaves the record unchanged.
	CompareAndSwapBatch(ctx context.Context, localID string, expectedVersion int64, rec batch.Record) (batch.Record, error)

	ListBatches(ctx context.Context) ([]batch.Record, error)

	// ListStuckSince returns records in the given state whose last update is
	// at or before cutoff. Used by the reconciliation scan.
	ListStuckSince(ctx context.Context, state batch.State, cutoff time.Time) ([]batch.Record, error)
}

// EventAckStore persists event acknowledgements.
type EventAckStore interface {
	CreateEventAck(ctx context.Context, ack batch.EventAck) (batch.EventAck, error)
	ListEventAcks(ctx context.Context, batchID string) ([]batch.EventAck, error)
}
