package subscription

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	awDiffsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actingweb_diffs_registered_total",
		Help: "Total diffs appended to subscriptions.",
	})

	awCallbackDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actingweb_callback_deliveries_total",
		Help: "Total outbound callback deliveries by result.",
	}, []string{"result"})

	awCallbackRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actingweb_callback_retries_total",
		Help: "Total outbound callback delivery retries.",
	})

	awBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actingweb_breaker_transitions_total",
		Help: "Total per-peer circuit breaker transitions by new state.",
	}, []string{"state"})

	awCallbacksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actingweb_callbacks_processed_total",
		Help: "Total inbound callbacks by processing outcome.",
	}, []string{"outcome"})

	awResyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actingweb_resyncs_total",
		Help: "Total gap-triggered subscription resyncs.",
	})
)
