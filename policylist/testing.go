package policylist

import (
	"encoding/json"
	"log/slog"

	"github.com/vigil-social/vigil/policylist/countstore"
	"github.com/vigil-social/vigil/statestore"
)

const TestContainerID = "!moderation:vigil.test"

// ListTestFixture returns a List wired to an empty in-process mock store.
// Intentionally exported, for use in other packages.
func ListTestFixture() (*List, *statestore.MockStore) {
	store := statestore.NewMockStore()
	list := NewList(store, TestContainerID, slog.Default())
	list.Counters = countstore.NewMemCountStore()
	return list, store
}

// TestRuleRecord builds a rule record for insertion into a mock store.
func TestRuleRecord(recordType, entity, recommendation, reason, sender, recordID string) statestore.StateRecord {
	content := map[string]string{}
	if entity != "" {
		content["entity"] = entity
	}
	if recommendation != "" {
		content["recommendation"] = recommendation
	}
	if reason != "" {
		content["reason"] = reason
	}
	raw, err := json.Marshal(content)
	if err != nil {
		panic(err)
	}
	return statestore.StateRecord{
		Type:     recordType,
		StateKey: ruleStateKey(entity),
		Content:  raw,
		Sender:   sender,
		RecordID: recordID,
	}
}
