package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var streamEventCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_stream_events",
	Help: "Number of change notifications received from the store stream",
})
