// Package policylist maintains a deduplicated view of the moderation rules
// published in a policy container, reconciling the container's full record
// set into a per-kind state table and emitting a precise diff (added,
// modified, removed) on every pass.
//
// The package deals with three sources of noise in the record stream:
// historical type aliases for the same logical rule kind (resolved by
// authority order, so a legacy alias can never overwrite a current-standard
// record), soft and hard deletion (both surfaced as a "removed" change,
// attributed to the correct actor), and bursts of change notifications
// (collapsed by Coalescer into single reconciliation triggers).
package policylist
