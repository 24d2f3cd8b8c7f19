package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RpcCallsTotal counts logical RPC calls by terminal outcome.
	RpcCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "near_forwarder_rpc_calls_total",
		Help: "Total number of logical RPC calls.",
	}, []string{"method", "outcome"}) // outcome: success, fatal, max_attempts

	// RpcAttemptsTotal counts individual transport attempts by classification.
	RpcAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "near_forwarder_rpc_attempts_total",
		Help: "Total number of transport-level attempts.",
	}, []string{"endpoint", "result"}) // result: success, rate_limited, transient, fatal

	// RpcCallDuration measures logical call duration end to end.
	RpcCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "near_forwarder_rpc_call_duration_seconds",
		Help:    "Duration of logical RPC calls including retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// EndpointBansTotal counts rate-limit quarantines per endpoint.
	EndpointBansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "near_forwarder_endpoint_bans_total",
		Help: "Total number of endpoint quarantines after rate limiting.",
	}, []string{"endpoint"})

	// PoolResetsTotal counts full-pool ban resets (correlated outages).
	PoolResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "near_forwarder_pool_resets_total",
		Help: "Total number of global failure-tracker resets.",
	})

	// EndpointsAvailable shows how many endpoints are currently selectable.
	EndpointsAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "near_forwarder_endpoints_available",
		Help: "Number of endpoints currently not banned.",
	})

	// TxSubmissionsTotal counts transaction submissions by terminal status.
	TxSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "near_forwarder_tx_submissions_total",
		Help: "Total number of transaction submissions.",
	}, []string{"status"}) // status: executed, failed, poll_timeout, broadcast_error

	// TxPollIterationsTotal counts status-poll iterations across submissions.
	TxPollIterationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "near_forwarder_tx_poll_iterations_total",
		Help: "Total number of transaction status polls.",
	})
)
