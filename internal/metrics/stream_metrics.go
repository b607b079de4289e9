package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All metrics are low-cardinality (no camera_id/session_id/tenant_id labels).

var (
	StreamSessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "frs_stream_sessions_active",
			Help: "Currently active stream sessions by kind",
		},
		[]string{"kind"},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "frs_stream_subscribers",
			Help: "Currently attached stream subscribers",
		},
	)

	FramesBroadcastTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frs_frames_broadcast_total",
			Help: "Complete frames broadcast to subscriber sets",
		},
	)

	FramesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frs_frames_dropped_total",
			Help: "Frames dropped from slow subscriber queues",
		},
	)

	StreamDesyncsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frs_stream_desyncs_total",
			Help: "Framer buffer resets after exceeding the desync limit",
		},
	)

	StreamStartFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frs_stream_start_failures_total",
			Help: "Stream starts that failed, by reason",
		},
		[]string{"reason"},
	)

	IdleSessionsReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frs_idle_sessions_reaped_total",
			Help: "Viewer sessions stopped by the idle collector",
		},
	)
)

func RecordBroadcast(dropped int) {
	FramesBroadcastTotal.Inc()
	if dropped > 0 {
		FramesDroppedTotal.Add(float64(dropped))
	}
}

func RecordDesync() {
	StreamDesyncsTotal.Inc()
}

func RecordStartFailure(reason string) {
	StreamStartFailuresTotal.WithLabelValues(reason).Inc()
}
