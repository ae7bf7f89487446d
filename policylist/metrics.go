package policylist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "policylist_reconcile_duration_sec",
	Help: "Total duration of policy list reconciliation passes",
})

var reconcilePassCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "policylist_reconcile_passes",
	Help: "Number of reconciliation passes completed",
})

var reconcileErrorCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "policylist_reconcile_errors",
	Help: "Number of reconciliation passes aborted by a store fetch failure",
})

var ruleChangeCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "policylist_rule_changes",
	Help: "Number of rule changes emitted, by change type",
}, []string{"type"})

var authorityConflictCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "policylist_authority_conflicts",
	Help: "Number of records discarded for carrying a lower-authority type alias",
})

var coalescerBatchCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "policylist_coalescer_batches",
	Help: "Number of batch-ready triggers fired by change coalescers",
})
