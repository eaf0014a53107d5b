package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MessagesSent counts outbound FIX messages by session and message type
var MessagesSent = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fixgate_messages_sent_total",
		Help: "Total number of FIX messages sent",
	},
	[]string{"session", "msg_type"},
)

// MessagesReceived counts inbound FIX messages by session and message type
var MessagesReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fixgate_messages_received_total",
		Help: "Total number of FIX messages received",
	},
	[]string{"session", "msg_type"},
)

// ResendRequests counts resend requests issued after inbound sequence gaps
var ResendRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fixgate_resend_requests_total",
		Help: "Total number of resend requests issued",
	},
	[]string{"session"},
)

// SessionState reports the current protocol state per session
var SessionState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "fixgate_session_state",
		Help: "Current FIX session state (numeric state machine value)",
	},
	[]string{"session"},
)

// OrdersSubmitted counts accepted order submissions by side (buy/sell)
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fixgate_orders_submitted_total",
		Help: "Total number of orders accepted for submission",
	},
	[]string{"side"},
)

// OrdersRejected counts orders rejected before or after reaching the wire
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fixgate_orders_rejected_total",
		Help: "Total number of rejected orders",
	},
	[]string{"reason"},
)

// ExecutionLatency records latency distribution for applying execution reports
var ExecutionLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "fixgate_execution_apply_latency_seconds",
		Help:    "Latency in seconds to apply individual execution reports",
		Buckets: prometheus.ExponentialBuckets(0.000001, 4, 12),
	},
)

// ReconciliationAnomalies counts overfills and mismatched duplicate executions
var ReconciliationAnomalies = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fixgate_reconciliation_anomalies_total",
		Help: "Total number of reconciliation anomalies detected",
	},
	[]string{"kind"},
)

func init() {
	prometheus.MustRegister(MessagesSent, MessagesReceived, ResendRequests, SessionState)
	prometheus.MustRegister(OrdersSubmitted, OrdersRejected, ExecutionLatency, ReconciliationAnomalies)
}
