package telemetry

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the pipeline's prometheus collectors, labeled by job.
type Metrics struct {
	Processed    *prometheus.CounterVec
	Failed       *prometheus.CounterVec
	InputTokens  *prometheus.CounterVec
	OutputTokens *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors on a fresh registry and
// returns both.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drover_records_processed_total",
			Help: "Records with a terminal result written to the result log.",
		}, []string{"job_id"}),
		Failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drover_records_failed_total",
			Help: "Records whose terminal result carries an error; parse failures are not counted.",
		}, []string{"job_id"}),
		InputTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drover_input_tokens_total",
			Help: "Prompt tokens reported by the provider.",
		}, []string{"job_id"}),
		OutputTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drover_output_tokens_total",
			Help: "Completion tokens reported by the provider.",
		}, []string{"job_id"}),
	}, registry
}

// ServeMetrics exposes the registry on addr until the process exits.
func ServeMetrics(addr string, registry *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	logger.Info().Str("addr", addr).Msg("metrics server starting")
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server failed")
	}
}
