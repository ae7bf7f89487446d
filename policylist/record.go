package policylist

import (
	"encoding/json"

	"github.com/vigil-social/vigil/statestore"
)

// Content fields of a rule record. All fields are optional on the wire: a
// record missing entity or recommendation is not a valid rule (cleared
// records and deletion markers look like this).
type RuleContent struct {
	Entity         *string `json:"entity,omitempty"`
	Recommendation *string `json:"recommendation,omitempty"`
	Reason         *string `json:"reason,omitempty"`
}

// PolicyRecord is one record as last accepted into the state table, plus the
// rule parsed from it (nil when the content did not form a valid rule).
type PolicyRecord struct {
	Kind      RuleKind
	Type      string
	StateKey  string
	RecordID  string
	Author    string
	Content   RuleContent
	Redaction *statestore.Redaction
	Raw       json.RawMessage

	rule *PolicyRule
}

// Rule returns the rule parsed from this record's content, or nil if the
// record is not a valid rule.
func (pr *PolicyRecord) Rule() *PolicyRule {
	return pr.rule
}

// IsEmpty reports whether the record's content carries no fields at all,
// which is how the store represents soft-deleted records.
func (pr *PolicyRecord) IsEmpty() bool {
	return isEmptyContent(pr.Raw)
}

func newPolicyRecord(kind RuleKind, sr statestore.StateRecord) *PolicyRecord {
	rec := &PolicyRecord{
		Kind:      kind,
		Type:      sr.Type,
		StateKey:  sr.StateKey,
		RecordID:  sr.RecordID,
		Author:    sr.Sender,
		Redaction: sr.Redaction,
		Raw:       sr.Content,
	}
	// tolerate junk content: an undecodable payload is just not a rule
	_ = json.Unmarshal(sr.Content, &rec.Content)
	rec.rule = parseRule(kind, rec.Content)
	return rec
}

func parseRule(kind RuleKind, c RuleContent) *PolicyRule {
	if c.Entity == nil || *c.Entity == "" {
		return nil
	}
	if c.Recommendation == nil || *c.Recommendation == "" {
		return nil
	}
	rule := &PolicyRule{
		Entity:         *c.Entity,
		Recommendation: *c.Recommendation,
		Kind:           kind,
	}
	if c.Reason != nil {
		rule.Reason = *c.Reason
	}
	return rule
}

func isEmptyContent(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		// not an object at all; nothing a rule could be parsed from
		return true
	}
	return len(fields) == 0
}
