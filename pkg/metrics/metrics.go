// Package metrics exposes engine counters over Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Total number of orders accepted into the ledger.",
		},
	)
	OrdersExecuted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_executed_total",
			Help: "Total number of fully filled orders.",
		},
	)
	OrdersCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_cancelled_total",
			Help: "Total number of cancelled orders.",
		},
	)
	OrderAdjustments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "order_adjustments_total",
			Help: "Total number of automatic amount reductions.",
		},
	)
	ExecutionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_execution_failures_total",
			Help: "Failed execution attempts by reason.",
		},
		[]string{"reason"},
	)
	PriceValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_validations_total",
			Help: "Order-price validations by outcome.",
		},
		[]string{"result"},
	)
	StalePrices = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stale_prices_total",
			Help: "Feed reads rejected as stale, by feed handle.",
		},
		[]string{"feed"},
	)
	OracleRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oracle_refreshes_total",
			Help: "Successful price cache refreshes.",
		},
	)
	BalanceSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "balance_sweeps_total",
			Help: "Completed balance-monitor sweeps.",
		},
	)
)

// Register installs all engine collectors on the given registry.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		OrdersCreated,
		OrdersExecuted,
		OrdersCancelled,
		OrderAdjustments,
		ExecutionFailures,
		PriceValidations,
		StalePrices,
		OracleRefreshes,
		BalanceSweeps,
	)
}

// Handler serves the registry for scraping.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
