package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(itemsFinalizedTotal, layerCallsTotal, backlogSweptTotal) }

var itemsFinalizedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "items_finalized_total",
		Help: "Items reaching a terminal status (spam/analyzed/needs_review).",
	},
	[]string{"status"},
)

var layerCallsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "analysis_layer_calls_total",
		Help: "Layer executions by layer and outcome.",
	},
	[]string{"layer", "outcome"}, // outcome: ok | error | enqueued
)

var backlogSweptTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "backlog_items_swept_total",
		Help: "Stale items re-driven synchronously by the backlog sweep.",
	},
)

func IncItemFinalized(status string) { itemsFinalizedTotal.WithLabelValues(norm(status)).Inc() }

func IncLayerCall(layer, outcome string) {
	layerCallsTotal.WithLabelValues(norm(layer), norm(outcome)).Inc()
}

func AddBacklogSwept(n int) { backlogSweptTotal.Add(float64(n)) }
