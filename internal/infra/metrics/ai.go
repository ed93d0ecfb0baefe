package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(aiTokensIn, aiTokensOut, aiCostMicro, aiCallsLatencyMs)
}

var aiTokensIn = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ai_tokens_in",
		Help: "Sum of prompt (input) tokens per model and transport.",
	},
	[]string{"model", "transport"}, // transport: direct | batch
)

var aiTokensOut = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ai_tokens_out",
		Help: "Sum of completion (output) tokens per model and transport.",
	},
	[]string{"model", "transport"},
)

var aiCostMicro = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ai_cost_micro",
		Help: "Estimated micro-currency spent per model and transport.",
	},
	[]string{"model", "transport"},
)

var aiCallsLatencyMs = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "ai_calls_latency_ms",
		Help:    "Direct AI call latency distribution in milliseconds.",
		Buckets: []float64{50, 100, 200, 400, 800, 1600, 3000, 5000, 10000, 30000},
	},
	[]string{"model", "success"},
)

func ObserveAIUsage(model, transport string, tokensIn, tokensOut int, costMicro int64) {
	lbl := []string{norm(model), norm(transport)}
	aiTokensIn.WithLabelValues(lbl...).Add(float64(tokensIn))
	aiTokensOut.WithLabelValues(lbl...).Add(float64(tokensOut))
	aiCostMicro.WithLabelValues(lbl...).Add(float64(costMicro))
}

func ObserveAICall(model string, latencyMs int, success bool) {
	aiCallsLatencyMs.WithLabelValues(norm(model), strconv.FormatBool(success)).
		Observe(float64(latencyMs))
}
