// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EscrowTransitions counts committed escrow status changes.
var EscrowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "escrow_transitions_total",
	Help: "Committed escrow status transitions.",
}, []string{"from", "to"})

// EscrowsCreated counts escrows opened against tasks.
var EscrowsCreated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "escrows_created_total",
	Help: "Escrows created.",
})

// EscrowsExpiredUnresolved is set by the expiry sweep.
var EscrowsExpiredUnresolved = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "escrows_expired_unresolved",
	Help: "Non-terminal escrows past expires_at at the last sweep.",
})

// GatewayEvents counts webhook deliveries by outcome.
var GatewayEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_events_total",
	Help: "Gateway webhook deliveries by outcome.",
}, []string{"outcome"})

// GatewayRequests counts outbound gateway calls by result.
var GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_requests_total",
	Help: "Outbound gateway requests by result.",
}, []string{"result"})

// GatewayBreakerState mirrors the circuit breaker: 0 closed, 1 half-open, 2 open.
var GatewayBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "gateway_circuit_breaker_state",
	Help: "Gateway circuit breaker state (0 closed, 1 half-open, 2 open).",
})

// Withdrawals counts withdrawal attempts by outcome.
var Withdrawals = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "withdrawals_total",
	Help: "Withdrawal attempts by outcome.",
}, []string{"outcome"})

// SideEffectFailures counts failed asynchronous side effects by kind.
var SideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "side_effect_failures_total",
	Help: "Failed asynchronous side effects (invoices, notifications).",
}, []string{"kind"})
