package policylist

// RuleKind is the target class of a policy rule.
type RuleKind string

const (
	KindUser   RuleKind = "user"
	KindRoom   RuleKind = "room"
	KindServer RuleKind = "server"
)

// The only recommendation surfaced by rule accessors. Records carrying any
// other recommendation are tracked but never returned as active rules.
const RecommendationBan = "ban"

// Record type aliases per kind, ordered by authority: index 0 is the current
// standard type, higher indexes are progressively older aliases still found
// in long-lived containers. A record under a higher-index type must never
// overwrite state from a lower-index one.
var (
	UserRuleTypes = []string{
		"policy.rule.user",
		"room.rule.user",
		"org.vigil.legacy.rule.user",
	}
	RoomRuleTypes = []string{
		"policy.rule.room",
		"room.rule.room",
		"org.vigil.legacy.rule.room",
	}
	ServerRuleTypes = []string{
		"policy.rule.server",
		"room.rule.server",
		"org.vigil.legacy.rule.server",
	}
)

// Container-level marker holding the list's human-readable shortcode, stored
// under an empty state key.
const ShortcodeType = "org.vigil.shortcode"

func AllKinds() []RuleKind {
	return []RuleKind{KindUser, KindRoom, KindServer}
}

// AliasTypes returns the kind's type aliases, current standard first.
func (k RuleKind) AliasTypes() []string {
	switch k {
	case KindUser:
		return UserRuleTypes
	case KindRoom:
		return RoomRuleTypes
	case KindServer:
		return ServerRuleTypes
	}
	return nil
}

// CurrentType returns the current-standard record type for the kind.
func (k RuleKind) CurrentType() string {
	return k.AliasTypes()[0]
}

// KindForType resolves a record type to its rule kind via the alias tables.
func KindForType(recordType string) (RuleKind, bool) {
	for _, k := range AllKinds() {
		for _, t := range k.AliasTypes() {
			if t == recordType {
				return k, true
			}
		}
	}
	return "", false
}

// typeAuthority returns the alias-table index of recordType for the kind, or
// -1 if the type is not an alias of that kind. Lower is more authoritative.
func typeAuthority(kind RuleKind, recordType string) int {
	for i, t := range kind.AliasTypes() {
		if t == recordType {
			return i
		}
	}
	return -1
}

// PolicyRule is the materialized form of a valid rule record.
type PolicyRule struct {
	Entity         string   `json:"entity"`
	Recommendation string   `json:"recommendation"`
	Reason         string   `json:"reason,omitempty"`
	Kind           RuleKind `json:"kind"`
}

func (r PolicyRule) IsBan() bool {
	return r.Recommendation == RecommendationBan
}
