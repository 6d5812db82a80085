// Package metrics exposes session and mutation activity to Prometheus.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/tillsync/internal/session"
	"github.com/roach88/tillsync/internal/syncerr"
)

// Collector records Prometheus metrics. It implements session.Recorder and
// optimistic.Recorder.
type Collector struct {
	transitions *prometheus.CounterVec
	status      *prometheus.GaugeVec
	fetches     *prometheus.CounterVec
	superseded  *prometheus.CounterVec
	mutations   *prometheus.CounterVec
	rollbacks   *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tillsync_session_transitions_total",
			Help: "Session state transitions by source and target status.",
		}, []string{"from", "to"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tillsync_session_status",
			Help: "1 for the current session status, 0 for the others.",
		}, []string{"status"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tillsync_fetch_total",
			Help: "Settled session and user fetches by outcome.",
		}, []string{"op", "outcome"}),
		superseded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tillsync_superseded_total",
			Help: "Results discarded because their context was superseded.",
		}, []string{"op"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tillsync_mutations_total",
			Help: "Settled optimistic mutations by outcome.",
		}, []string{"op", "outcome"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tillsync_rollbacks_total",
			Help: "Optimistic mutations rolled back to their snapshot.",
		}, []string{"op"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tillsync_conflicts_total",
			Help: "Mutations rejected because the key was busy.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		c.transitions,
		c.status,
		c.fetches,
		c.superseded,
		c.mutations,
		c.rollbacks,
		c.conflicts,
	)

	return c
}

// RecordTransition counts a session transition and moves the status gauge.
func (c *Collector) RecordTransition(from, to session.Status) {
	c.transitions.WithLabelValues(from.String(), to.String()).Inc()
	c.status.WithLabelValues(from.String()).Set(0)
	c.status.WithLabelValues(to.String()).Set(1)
}

// RecordFetch counts a settled fetch.
func (c *Collector) RecordFetch(op string, err error) {
	c.fetches.WithLabelValues(op, Outcome(err)).Inc()
}

// RecordSuperseded counts a discarded stale result.
func (c *Collector) RecordSuperseded(op string) {
	c.superseded.WithLabelValues(op).Inc()
}

// RecordMutation counts a settled mutation.
func (c *Collector) RecordMutation(op string, err error) {
	c.mutations.WithLabelValues(op, Outcome(err)).Inc()
}

// RecordRollback counts a rollback.
func (c *Collector) RecordRollback(op string) {
	c.rollbacks.WithLabelValues(op).Inc()
}

// RecordConflict counts a busy-key rejection.
func (c *Collector) RecordConflict(op string) {
	c.conflicts.WithLabelValues(op).Inc()
}

// Outcome is the label value for err: "ok", the lowercase error code, or
// "error" for uncoded errors.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := syncerr.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute returns a mux serving /metrics.
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
