package posegraph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts pose graph activity. A nil *Metrics records nothing.
type Metrics struct {
	keyframes           prometheus.Counter
	loops               *prometheus.CounterVec
	loopRejections      prometheus.Counter
	optimizations       prometheus.Counter
	optimizationSeconds prometheus.Histogram
	droppedLoopEdges    prometheus.Counter
}

// NewMetrics creates the pose graph metrics and registers them with reg. A nil reg creates
// unregistered metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		keyframes: factory.NewCounter(prometheus.CounterOpts{
			Name: "loopfusion_keyframes_total",
			Help: "Keyframes registered in the pose graph.",
		}),
		loops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loopfusion_loops_total",
			Help: "Verified loop links, by the source of the candidate.",
		}, []string{"source"}),
		loopRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "loopfusion_loop_rejections_total",
			Help: "Loop candidates rejected by verification.",
		}),
		optimizations: factory.NewCounter(prometheus.CounterOpts{
			Name: "loopfusion_optimizations_total",
			Help: "Completed pose graph optimization cycles.",
		}),
		optimizationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "loopfusion_optimization_seconds",
			Help:    "Duration of the solve phase of an optimization cycle.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		droppedLoopEdges: factory.NewCounter(prometheus.CounterOpts{
			Name: "loopfusion_dropped_loop_edges_total",
			Help: "Loop edges left out of an optimization because their target was outside the window.",
		}),
	}
}

func (m *Metrics) keyframeRegistered() {
	if m != nil {
		m.keyframes.Inc()
	}
}

func (m *Metrics) loopAccepted(source LoopSourceKind) {
	if m != nil {
		m.loops.WithLabelValues(source.String()).Inc()
	}
}

func (m *Metrics) loopRejected() {
	if m != nil {
		m.loopRejections.Inc()
	}
}

func (m *Metrics) optimized(seconds float64) {
	if m != nil {
		m.optimizations.Inc()
		m.optimizationSeconds.Observe(seconds)
	}
}

func (m *Metrics) loopEdgeDropped() {
	if m != nil {
		m.droppedLoopEdges.Inc()
	}
}
