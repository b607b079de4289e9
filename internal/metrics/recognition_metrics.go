package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InferenceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "frs_inference_latency_ms",
			Help:    "Detector/embedder round-trip latency in milliseconds",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000},
		},
		[]string{"op"},
	)

	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frs_detections_total",
			Help: "Face detections by match outcome",
		},
		[]string{"outcome"},
	)

	ExtractionSkipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frs_extraction_skips_total",
			Help: "Extraction ticks skipped because the previous capture was still running",
		},
	)

	ExtractionFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frs_extraction_failures_total",
			Help: "Failed frame captures",
		},
	)

	RecognitionJobsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frs_recognition_jobs_dropped_total",
			Help: "Persistence jobs dropped from a full worker queue",
		},
	)

	RecognitionSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "frs_recognition_sessions_active",
			Help: "Currently running recognition sessions",
		},
	)

	FaceIndexSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "frs_face_index_size",
			Help: "Face vectors loaded in the in-memory index",
		},
	)

	SchedulerReconcilesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frs_scheduler_reconciles_total",
			Help: "Completed scheduler reconciliation passes",
		},
	)

	SchedulerStartFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frs_scheduler_start_failures_total",
			Help: "Recognition starts that failed during reconciliation",
		},
	)
)

func RecordInference(op string, latencyMs float64) {
	InferenceLatency.WithLabelValues(op).Observe(latencyMs)
}

func RecordDetection(outcome string) {
	DetectionsTotal.WithLabelValues(outcome).Inc()
}
