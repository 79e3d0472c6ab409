// Package metrics exposes the auth sub-daemon's dispatcher counters.
// Collection is always on; scraping is opt-in via --metrics-addr.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the dispatcher's counters.
type Metrics struct {
	CommandsReceived  *prometheus.CounterVec
	DuplicateCommands prometheus.Counter
	BadRequests       prometheus.Counter
	ResponsesWritten  prometheus.Counter
}

// New registers the counters on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CommandsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notekeep",
			Subsystem: "auth",
			Name:      "commands_received_total",
			Help:      "IPC commands received, by kind.",
		}, []string{"kind"}),
		DuplicateCommands: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "notekeep",
			Subsystem: "auth",
			Name:      "duplicate_commands_total",
			Help:      "Commands dropped because their id was already in flight.",
		}),
		BadRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "notekeep",
			Subsystem: "auth",
			Name:      "bad_requests_total",
			Help:      "Commands dropped because their payload did not decode.",
		}),
		ResponsesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "notekeep",
			Subsystem: "auth",
			Name:      "responses_written_total",
			Help:      "Responses written back on the IPC socket.",
		}),
	}
}
