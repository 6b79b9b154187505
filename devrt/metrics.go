package devrt

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// dispatchMetrics instruments kernel launches and stream synchronizations.
type dispatchMetrics struct {
	launches    *prometheus.CounterVec
	syncSeconds prometheus.Histogram
}

// newDispatchMetrics creates the metrics and registers them with reg, if not nil.
// Metrics already registered (e.g. by a previous Config in the same process) are reused.
func newDispatchMetrics(reg prometheus.Registerer) (*dispatchMetrics, error) {
	m := &dispatchMetrics{
		launches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "godevrt_kernel_launches_total",
				Help: "Number of kernels launched on the execution stream, per kernel.",
			},
			[]string{"kernel"},
		),
		syncSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "godevrt_stream_synchronize_seconds",
				Help:    "Time spent waiting for the execution stream to complete.",
				Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
			},
		),
	}
	if reg == nil {
		return m, nil
	}
	if err := reg.Register(m.launches); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, errors.Wrap(err, "failed to register kernel launches metric")
		}
		m.launches = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := reg.Register(m.syncSeconds); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, errors.Wrap(err, "failed to register stream synchronization metric")
		}
		m.syncSeconds = are.ExistingCollector.(prometheus.Histogram)
	}
	return m, nil
}
