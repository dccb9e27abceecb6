package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PaymentsInitiated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agriconnect_payments_initiated_total",
			Help: "Total STK Push requests accepted by the gateway",
		},
	)
	PaymentsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agriconnect_payments_rejected_total",
			Help: "Total STK Push requests rejected by the gateway at initiation",
		},
	)
	PaymentsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agriconnect_payments_finalized_total",
			Help: "Total transactions reaching a terminal status",
		},
		[]string{"status"}, // completed|failed|timeout
	)
	GatewayRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agriconnect_gateway_request_seconds",
			Help:    "Latency of outbound Daraja API calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"call"}, // push|query
	)
)

// Handler serves the /metrics endpoint.
var Handler = promhttp.Handler

func Init() {
	prometheus.MustRegister(PaymentsInitiated)
	prometheus.MustRegister(PaymentsRejected)
	prometheus.MustRegister(PaymentsFinalized)
	prometheus.MustRegister(GatewayRequestSeconds)
}
