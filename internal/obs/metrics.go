package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections     = promauto.NewGauge(prometheus.GaugeOpts{Name: "portproxy_active_connections", Help: "Registered connections, including those inside the post-close grace window"})
	ActiveSessions        = promauto.NewGauge(prometheus.GaugeOpts{Name: "portproxy_active_sessions", Help: "Live sessions"})
	PendingClients        = promauto.NewGauge(prometheus.GaugeOpts{Name: "portproxy_pending_clients", Help: "Clients waiting for a host data channel"})
	ActivePairs           = promauto.NewGauge(prometheus.GaugeOpts{Name: "portproxy_active_pairs", Help: "Bridged client/host-data pairs"})
	PairsEstablishedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "portproxy_pairs_established_total", Help: "Pairs established"})
	AttachRejectedTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portproxy_attach_rejected_total", Help: "Rejected attach attempts by reason"}, []string{"reason"})
	ErrorsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portproxy_errors_total", Help: "Errors by type"}, []string{"type"})
	BridgedBytesTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "portproxy_bridged_bytes_total", Help: "Payload bytes forwarded between paired connections"})
	PairDurationSeconds   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "portproxy_pair_duration_seconds", Help: "Pair lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	RateLimitedTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "portproxy_rate_limited_total", Help: "Upgrade requests refused by the rate limiter"})
)
