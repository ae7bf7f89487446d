package policylist

// ChangeType classifies one entry of a reconciliation diff.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// ChangeEvent describes one semantic change observed during a
// reconciliation pass.
type ChangeEvent struct {
	Type   ChangeType
	Record *PolicyRecord
	// Previous is the record that was replaced; set for Modified and
	// Removed, nil for Added.
	Previous *PolicyRecord
	// Actor is the author of the change. For removals caused by redaction
	// this is the redacting actor, not the original rule author.
	Actor string
	// Rule is the current rule for Added/Modified, and the former rule for
	// Removed.
	Rule PolicyRule
}

// UpdateListener receives the ordered diff of one reconciliation pass.
// Listeners are invoked synchronously, in registration order, after the pass
// has fully applied.
type UpdateListener func(containerID string, changes []ChangeEvent)
