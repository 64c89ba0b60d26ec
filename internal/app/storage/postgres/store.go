// Package postgres implements the storage interfaces backed by PostgreSQL.
//
// Expected schema:
//
//	CREATE TABLE mes_batches (
//	    local_id        TEXT PRIMARY KEY,
//	    template_id     TEXT NOT NULL,
//	    remote_id       TEXT NOT NULL DEFAULT '',
//	    state           TEXT NOT NULL,
//	    payload         JSONB NOT NULL DEFAULT '{}',
//	    idempotency_key TEXT NOT NULL,
//	    version         BIGINT NOT NULL DEFAULT 0,
//	    failure_reason  TEXT NOT NULL DEFAULT '',
//	    halted          BOOLEAN NOT NULL DEFAULT FALSE,
//	    lease_owner     TEXT NOT NULL DEFAULT '',
//	    lease_expires   TIMESTAMPTZ,
//	    created_at      TIMESTAMPTZ NOT NULL,
//	    updated_at      TIMESTAMPTZ NOT NULL,
//	    started_at      TIMESTAMPTZ,
//	    completed_at    TIMESTAMPTZ,
//	    published_at    TIMESTAMPTZ,
//	    acknowledged_at TIMESTAMPTZ
//	);
//
//	CREATE TABLE mes_event_acks (
//	    event_id TEXT NOT NULL,
//	    batch_id TEXT NOT NULL DEFAULT '',
//	    acked_by TEXT NOT NULL DEFAULT '',
//	    comment  TEXT NOT NULL DEFAULT '',
//	    status   TEXT NOT NULL DEFAULT '',
//	    acked_at TIMESTAMPTZ NOT NULL
//	);
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apexmfg/qmib-bridge/internal/app/domain/batch"
	"github.com/apexmfg/qmib-bridge/internal/app/storage"
)

// Store implements storage.BatchStore and storage.EventAckStore.
type Store struct {
	db *sql.DB
}

var _ storage.BatchStore = (*Store)(nil)
var _ storage.EventAckStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const batchColumns = `local_id, template_id, remote_id, state, payload, idempotency_key,
	version, failure_reason, halted, lease_owner, lease_expires,
	created_at, updated_at, started_at, completed_at, published_at, acknowledged_at`

func (s *Store) CreateBatch(ctx context.Context, rec batch.Record) (batch.Record, error) {
	if rec.LocalID == "" {
		rec.LocalID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Version = 0

	payloadJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return batch.Record{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mes_batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, rec.LocalID, rec.TemplateID, rec.RemoteID, rec.State, payloadJSON, rec.IdempotencyKey,
		rec.Version, rec.FailureReason, rec.Halted, rec.Lease.Owner, nullTime(rec.Lease.ExpiresAt),
		rec.CreatedAt, rec.UpdatedAt, nullTime(rec.StartedAt), nullTime(rec.CompletedAt),
		nullTime(rec.PublishedAt), nullTime(rec.AcknowledgedAt))
	if err != nil {
		return batch.Record{}, err
	}
	return rec, nil
}

func (s *Store) GetBatch(ctx context.Context, localID string) (batch.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+batchColumns+` FROM mes_batches WHERE local_id = $1
	`, localID)
	return scanBatch(row)
}

func (s *Store) CompareAndSwapBatch(ctx context.Context, localID string, expectedVersion int64, rec batch.Record) (batch.Record, error) {
	payloadJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return batch.Record{}, err
	}
	rec.LocalID = localID
	rec.Version = expectedVersion + 1
	rec.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE mes_batches
		SET template_id = $3, remote_id = $4, state = $5, payload = $6,
		    idempotency_key = $7, version = $8, failure_reason = $9, halted = $10,
		    lease_owner = $11, lease_expires = $12, updated_at = $13,
		    started_at = $14, completed_at = $15, published_at = $16, acknowledged_at = $17
		WHERE local_id = $1 AND version = $2
	`, localID, expectedVersion, rec.TemplateID, rec.RemoteID, rec.State, payloadJSON,
		rec.IdempotencyKey, rec.Version, rec.FailureReason, rec.Halted,
		rec.Lease.Owner, nullTime(rec.Lease.ExpiresAt), rec.UpdatedAt,
		nullTime(rec.StartedAt), nullTime(rec.CompletedAt),
		nullTime(rec.PublishedAt), nullTime(rec.AcknowledgedAt))
	if err != nil {
		return batch.Record{}, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return batch.Record{}, err
	}
	if affected == 0 {
		// Distinguish a missing row from a lost race.
		if _, err := s.GetBatch(ctx, localID); err != nil {
			return batch.Record{}, err
		}
		return batch.Record{}, fmt.Errorf("batch %s: %w", localID, storage.ErrVersionConflict)
	}
	return rec, nil
}

func (s *Store) ListBatches(ctx context.Context) ([]batch.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+` FROM mes_batches ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBatches(rows)
}

func (s *Store) ListStuckSince(ctx context.Context, state batch.State, cutoff time.Time) ([]batch.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+` FROM mes_batches
		WHERE state = $1 AND updated_at <= $2
		ORDER BY updated_at
	`, state, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBatches(rows)
}

func (s *Store) CreateEventAck(ctx context.Context, ack batch.EventAck) (batch.EventAck, error) {
	if ack.EventID == "" {
		return batch.EventAck{}, fmt.Errorf("event ack requires an event id")
	}
	if ack.AckedAt.IsZero() {
		ack.AckedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mes_event_acks (event_id, batch_id, acked_by, comment, status, acked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ack.EventID, ack.BatchID, ack.AckedBy, ack.Comment, ack.Status, ack.AckedAt)
	if err != nil {
		return batch.EventAck{}, err
	}
	return ack, nil
}

func (s *Store) ListEventAcks(ctx context.Context, batchID string) ([]batch.EventAck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, batch_id, acked_by, comment, status, acked_at
		FROM mes_event_acks WHERE batch_id = $1 ORDER BY acked_at
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var acks []batch.EventAck
	for rows.Next() {
		var ack batch.EventAck
		if err := rows.Scan(&ack.EventID, &ack.BatchID, &ack.AckedBy, &ack.Comment, &ack.Status, &ack.AckedAt); err != nil {
			return nil, err
		}
		acks = append(acks, ack)
	}
	return acks, rows.Err()
}

// Helpers ---------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row rowScanner) (batch.Record, error) {
	var (
		rec          batch.Record
		payloadJSON  []byte
		leaseExpires sql.NullTime
		startedAt    sql.NullTime
		completedAt  sql.NullTime
		publishedAt  sql.NullTime
		ackedAt      sql.NullTime
	)
	err := row.Scan(&rec.LocalID, &rec.TemplateID, &rec.RemoteID, &rec.State, &payloadJSON,
		&rec.IdempotencyKey, &rec.Version, &rec.FailureReason, &rec.Halted,
		&rec.Lease.Owner, &leaseExpires, &rec.CreatedAt, &rec.UpdatedAt,
		&startedAt, &completedAt, &publishedAt, &ackedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return batch.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return batch.Record{}, err
	}

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
			return batch.Record{}, err
		}
	}
	rec.Lease.ExpiresAt = leaseExpires.Time
	rec.StartedAt = startedAt.Time
	rec.CompletedAt = completedAt.Time
	rec.PublishedAt = publishedAt.Time
	rec.AcknowledgedAt = ackedAt.Time
	return rec, nil
}

func collectBatches(rows *sql.Rows) ([]batch.Record, error) {
	var recs []batch.Record
	for rows.Next() {
		rec, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
