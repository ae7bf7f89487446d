package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// MockStore is a simple in-process Store implementation, for testing. Records
// are kept in first-write order per container, matching the stream order a
// real store returns.
type MockStore struct {
	mu         sync.Mutex
	containers map[string][]*StateRecord
	nextID     int

	// PutErr, if set, is returned by every PutStateRecord call.
	PutErr error
	// FetchErr, if set, is returned by every fetch call.
	FetchErr error
}

var _ Store = (*MockStore)(nil)

func NewMockStore() *MockStore {
	return &MockStore{
		containers: make(map[string][]*StateRecord),
	}
}

func (m *MockStore) FetchContainerState(ctx context.Context, containerID string) ([]StateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	recs := m.containers[containerID]
	out := make([]StateRecord, len(recs))
	for i, r := range recs {
		out[i] = *r
	}
	return out, nil
}

func (m *MockStore) FetchStateRecord(ctx context.Context, containerID, recordType, stateKey string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	if r := m.lookup(containerID, recordType, stateKey); r != nil {
		return r.Content, nil
	}
	return nil, &Error{
		StatusCode: http.StatusNotFound,
		Wrapped:    &APIError{ErrCode: ErrCodeRecordNotFound, Message: "no current record"},
	}
}

func (m *MockStore) PutStateRecord(ctx context.Context, containerID, recordType, stateKey string, content any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return "", m.PutErr
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	return m.put(containerID, StateRecord{
		Type:     recordType,
		StateKey: stateKey,
		Content:  raw,
		Sender:   "@mock:store",
	}), nil
}

// Insert writes a record directly, bypassing error injection. A zero
// RecordID is filled in with a generated one.
func (m *MockStore) Insert(containerID string, rec StateRecord) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(containerID, rec)
}

// Redact marks the current record as redacted in place, keeping its record
// ID and clearing its content, the way the real store serves redactions.
func (m *MockStore) Redact(containerID, recordType, stateKey, redactor, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.lookup(containerID, recordType, stateKey)
	if r == nil {
		return fmt.Errorf("no record to redact: %s/%s", recordType, stateKey)
	}
	r.Content = json.RawMessage(`{}`)
	r.Redaction = &Redaction{Sender: redactor, Reason: reason}
	return nil
}

func (m *MockStore) lookup(containerID, recordType, stateKey string) *StateRecord {
	for _, r := range m.containers[containerID] {
		if r.Type == recordType && r.StateKey == stateKey {
			return r
		}
	}
	return nil
}

// caller must hold mu
func (m *MockStore) put(containerID string, rec StateRecord) string {
	if rec.RecordID == "" {
		m.nextID++
		rec.RecordID = fmt.Sprintf("$mock-%d", m.nextID)
	}
	if cur := m.lookup(containerID, rec.Type, rec.StateKey); cur != nil {
		// overwrite in place, preserving stream position
		*cur = rec
	} else {
		m.containers[containerID] = append(m.containers[containerID], &rec)
	}
	return rec.RecordID
}
