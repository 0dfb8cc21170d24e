// Package metrics exposes Prometheus instrumentation for the execution core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts order execution attempts by outcome
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_order_executions_total",
		Help: "Order execution attempts by outcome",
	}, []string{"status"})

	// AggregatorCallsTotal counts aggregator calls by operation and result
	AggregatorCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_aggregator_calls_total",
		Help: "Aggregator quote/swap calls by result",
	}, []string{"aggregator", "operation", "result"})

	// RetriesTotal counts retry attempts by error kind
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_retries_total",
		Help: "Retry attempts by error kind",
	}, []string{"kind"})

	// FallbacksTotal counts degraded-path activations
	FallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_fallbacks_total",
		Help: "Degraded-path activations by resolver",
	}, []string{"resolver"})

	// BalanceTransitionsTotal counts balance-guard order transitions
	BalanceTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_balance_transitions_total",
		Help: "Balance guard order status transitions",
	}, []string{"direction"})

	// DueOrdersGauge tracks how many orders were due on the last tick
	DueOrdersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_due_orders",
		Help: "Orders due for execution on the last scheduler tick",
	})
)
