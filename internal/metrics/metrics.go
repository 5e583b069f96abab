// Package metrics wires the two ambient telemetry channels this module
// carries: push counters over statsd, fired inline with protocol
// transitions, and pull gauges over Prometheus, scraped by
// cmd/kepaxosd's /metrics endpoint.
package metrics

import (
	"github.com/cactus/go-statsd-client/statsd"
	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the engine's push-side telemetry surface. A nil *Sink is valid
// and every method becomes a no-op, so tests don't need to stand up a
// statsd client.
type Sink struct {
	client statsd.Statter
}

// NewSink wraps an already-configured statsd client. Passing nil yields a
// Sink whose methods are no-ops.
func NewSink(client statsd.Statter) *Sink {
	return &Sink{client: client}
}

func (s *Sink) inc(name string) {
	if s == nil || s.client == nil {
		return
	}
	_ = s.client.Inc(name, 1, 1.0)
}

// FastPathCommit counts a command that committed after one PreAccept round.
func (s *Sink) FastPathCommit() { s.inc("kepaxos.commit.fast_path") }

// SlowPathEscalation counts a command whose PreAccept round failed to reach
// fast-path agreement and was escalated to an Accept round.
func (s *Sink) SlowPathEscalation() { s.inc("kepaxos.escalation.slow_path") }

// SlowPathCommit counts a command that committed via an Accept round.
func (s *Sink) SlowPathCommit() { s.inc("kepaxos.commit.slow_path") }

// DroppedStale counts a message dropped for a stale ballot. Messages dropped
// because their seq is already behind the log are not counted.
func (s *Sink) DroppedStale() { s.inc("kepaxos.dropped.stale") }

// RecoveryTriggered counts a recovery callback triggered either by the
// sweeper or by the PreAccept handler.
func (s *Sink) RecoveryTriggered() { s.inc("kepaxos.recovery.triggered") }

// SubmitTimeout counts a Submit call that expired without committing.
func (s *Sink) SubmitTimeout() { s.inc("kepaxos.submit.timeout") }

// CommitHandlerFailure counts a local commit-handler failure; the leader
// does not broadcast COMMIT when this happens on its own apply.
func (s *Sink) CommitHandlerFailure() { s.inc("kepaxos.commit.local_failure") }

// Gauges is the pull-side telemetry surface exposed over Prometheus.
type Gauges struct {
	CommandTableSize prometheus.Gauge
	CurrentBallot    prometheus.Gauge
	LogEntries       prometheus.Gauge
}

// NewGauges registers the replica's process gauges against reg.
func NewGauges(reg prometheus.Registerer, replicaName string) *Gauges {
	g := &Gauges{
		CommandTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kepaxos",
			Name:        "command_table_size",
			Help:        "Number of keys with an active (uncommitted) command.",
			ConstLabels: prometheus.Labels{"replica": replicaName},
		}),
		CurrentBallot: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kepaxos",
			Name:        "current_ballot",
			Help:        "This replica's current ballot counter value.",
			ConstLabels: prometheus.Labels{"replica": replicaName},
		}),
		LogEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kepaxos",
			Name:        "log_entries",
			Help:        "Approximate number of committed keys in the persistent log.",
			ConstLabels: prometheus.Labels{"replica": replicaName},
		}),
	}
	reg.MustRegister(g.CommandTableSize, g.CurrentBallot, g.LogEntries)
	return g
}
