// Package statestore implements a client for the remote versioned state
// store which backs policy containers.
//
// A container holds typed, state-keyed records. Every write produces a new
// record version (identified by an opaque record ID); clearing a record's
// content leaves the record in place with an empty payload, and redacting a
// record strips its content while attaching the redacting actor.
package statestore

import (
	"context"
	"encoding/json"
)

// One versioned entry in a container, as returned by the store. Content may
// be an empty object (cleared records) and StateKey may be empty
// (container-level markers); consumers must handle both.
type StateRecord struct {
	Type      string          `json:"type"`
	StateKey  string          `json:"stateKey"`
	Content   json.RawMessage `json:"content"`
	Sender    string          `json:"sender"`
	RecordID  string          `json:"recordId"`
	Redaction *Redaction      `json:"redaction,omitempty"`
	Unsigned  map[string]any  `json:"unsigned,omitempty"`
}

// Attached to a record when it has been redacted out-of-band.
type Redaction struct {
	Sender string `json:"sender"`
	Reason string `json:"reason,omitempty"`
}

// Read/write access to container state. Implemented by Client (HTTP) and by
// MockStore (in-process, for tests).
type Store interface {
	// FetchContainerState returns the complete current record set for a
	// container, in the store's stream order.
	FetchContainerState(ctx context.Context, containerID string) ([]StateRecord, error)
	// FetchStateRecord returns the current content of a single record, or an
	// error for which IsNotFound(err) is true when the record does not exist.
	FetchStateRecord(ctx context.Context, containerID, recordType, stateKey string) (json.RawMessage, error)
	// PutStateRecord writes a record's content and returns the new record ID.
	PutStateRecord(ctx context.Context, containerID, recordType, stateKey string, content any) (string, error)
}
