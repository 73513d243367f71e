// Package rmetrics registers raftd's Prometheus metrics.
//
// Gauges/counters are package-level variables registered at import time,
// the same pattern the teacher codebase uses for its warren_* metrics;
// every raftd process exposes them over promhttp on the configured
// metrics address.
package rmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft core (component E)
	RaftIsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "raftd_raft_is_leader",
		Help: "Whether this node is the Raft leader for its term (1) or not (0).",
	})
	RaftTerm = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "raftd_raft_current_term",
		Help: "Current Raft term observed by this node.",
	})
	RaftCommitIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "raftd_raft_commit_index",
		Help: "Highest log index known committed.",
	})
	RaftAppliedIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "raftd_raft_applied_index",
		Help: "Highest log index applied to the state machine.",
	})
	RaftPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "raftd_raft_peers_total",
		Help: "Number of peers configured for this raft group.",
	})
	RaftElections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "raftd_raft_elections_started_total",
		Help: "Number of times this node has started an election.",
	})

	// Client runtime (component G)
	ClientSubAppsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "raftd_client_subapps_active",
		Help: "Number of sub-apps currently tracked by the client instance.",
	})
	ClientRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "raftd_client_retries_total",
		Help: "Number of times the retry scheduler re-enqueued a sub-app.",
	})
	ClientViable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "raftd_client_leader_viable",
		Help: "Whether the client currently considers its believed leader viable.",
	})
	ClientRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "raftd_client_requests_total",
		Help: "Client-issued requests by terminal outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		RaftIsLeader, RaftTerm, RaftCommitIndex, RaftAppliedIndex, RaftPeers, RaftElections,
		ClientSubAppsActive, ClientRetries, ClientViable, ClientRequestsTotal,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
