// Package batch holds the domain model for batch execution records and the
// lifecycle rules governing their state transitions.
package batch

import (
	"time"

	"github.com/google/uuid"
)

// Template is a batch template definition fetched from QMIB. Templates are
// immutable once fetched and are never written back.
type Template struct {
	ID          string
	Name        string
	Steps       []Step
	Equipment   []EquipmentRef
	DefaultData map[string]interface{}
}

// Step is a single process step within a template.
type Step struct {
	Seq        int
	Name       string
	Parameters map[string]string
}

// EquipmentRef is read-only equipment reference data sourced from QMIB.
type EquipmentRef struct {
	ID           string
	Name         string
	Capabilities []string
}

// EquipmentState is a live equipment status snapshot reported by QMIB.
type EquipmentState struct {
	EquipmentID string
	Status      string
	MeasuredAt  time.Time
	Attributes  map[string]string
}

// Lease is a time-bounded claim on a record that serializes coordinator
// operations against it. A zero Lease means the record is unclaimed.
type Lease struct {
	Owner     string
	ExpiresAt time.Time
}

// Held reports whether the lease is currently claimed as of now.
func (l Lease) Held(now time.Time) bool {
	return l.Owner != "" && now.Before(l.ExpiresAt)
}

// Record is a locally tracked batch execution. LocalID is the stable local
// identity; RemoteID is assigned exactly once, at the first successful
// publish, and never changes afterwards.
type Record struct {
	LocalID        string
	TemplateID     string
	RemoteID       string
	State          State
	Payload        map[string]interface{}
	IdempotencyKey string
	Version        int64
	FailureReason  string
	Halted         bool
	Lease          Lease

	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
	PublishedAt    time.Time
	AcknowledgedAt time.Time
}

// EventAck confirms that an inbound QMIB event or alarm has been processed.
type EventAck struct {
	EventID string
	BatchID string
	AckedBy string
	Comment string
	Status  string
	AckedAt time.Time
}

// idempotencyNamespace seeds the deterministic key derivation. It must never
// change: the gateway de-duplicates publishes on the derived key.
var idempotencyNamespace = uuid.MustParse("b3e1c6f2-54d8-4c41-9a7e-d02f8a4f6c19")

// IdempotencyKey derives the stable publish key for a local batch identity.
// Every publish attempt for the same record yields the same key.
func IdempotencyKey(localID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(localID)).String()
}
