// Package metrics exposes per-stage pipeline telemetry.
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trickplay_stage_duration_seconds",
		Help:    "Time taken to process one message per pipeline stage",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	StageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trickplay_stage_failures_total",
		Help: "Failed invocations per stage and failure type",
	}, []string{"stage", "failure_type"})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trickplay_messages_total",
		Help: "Messages consumed per stage and outcome",
	}, []string{"stage", "outcome"})

	ThumbnailsUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trickplay_thumbnails_uploaded_total",
		Help: "Thumbnail images uploaded per variant",
	}, []string{"variant"})

	InvalidationBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trickplay_invalidation_batches_total",
		Help: "CDN invalidation calls issued",
	})
)

// Serve starts the metrics listener in the background.
func Serve(addr string, logger *slog.Logger) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server failed", "err", err)
		}
	}()
}
