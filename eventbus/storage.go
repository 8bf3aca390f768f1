package eventbus

import (
	"context"
	"errors"
)

// ErrNotFound is returned by operations that require an existing record,
// such as Replay. Point lookups return (nil, nil) instead.
var ErrNotFound = errors.New("event not found")

// ErrClosed is returned when publishing on a bus that has been shut down.
var ErrClosed = errors.New("event bus is closed")

// Filter narrows a Query. Zero-valued fields are ignored; set fields combine
// with AND semantics.
type Filter struct {
	EventType string
	Status    Status
	TenantID  string
}

func (f Filter) matches(r *EventRecord) bool {
	if f.EventType != "" && r.EventType != f.EventType {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.TenantID != "" && r.Metadata.TenantID != f.TenantID {
		return false
	}
	return true
}

// Storage is the persistence collaborator behind the bus. Implementations
// must provide read-after-write visibility within the process; retention and
// deletion are outside the bus and handled by the backend (TTL policy,
// table maintenance).
type Storage interface {
	// Save inserts a new record or updates the mutable fields of an
	// existing one.
	Save(ctx context.Context, rec *EventRecord) error

	// Get returns the record with the given id, or (nil, nil) when absent.
	Get(ctx context.Context, eventID string) (*EventRecord, error)

	// Query returns all records matching the filter in insertion order.
	Query(ctx context.Context, f Filter) ([]*EventRecord, error)
}
