// Package metrics exports the streaming loop's counters to Prometheus.
//
// A nil *Collector is valid and records nothing, so the pipeline can call it
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "anc"

// Collector holds the pipeline metrics registered on one registry.
type Collector struct {
	cycles        prometheus.Counter
	underruns     prometheus.Counter
	droppedFrames prometheus.Counter
	retries       *prometheus.CounterVec
	deviceErrors  *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	erle          prometheus.Gauge
	residualRMS   prometheus.Gauge
	state         prometheus.Gauge
}

// New creates a Collector and registers it on reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total number of completed processing cycles",
		}),
		underruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "underruns_total",
			Help:      "Total number of playback underruns (bounded enqueue timed out)",
		}),
		droppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Total number of output frames dropped to relieve backpressure",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_retries_total",
			Help:      "Total number of retries after a transient device condition",
		}, []string{"stage"}),
		deviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_errors_total",
			Help:      "Total number of fatal device errors",
		}, []string{"stage"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Histogram of gain + filter processing time per cycle in seconds",
			Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05},
		}),
		erle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "erle_db",
			Help:      "Echo return loss enhancement of the last cycle in dB",
		}),
		residualRMS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "residual_rms",
			Help:      "RMS level of the last residual frame (normalized units)",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_state",
			Help:      "Pipeline state: 0 idle, 1 running, 2 draining, 3 stopped",
		}),
	}
	reg.MustRegister(
		c.cycles, c.underruns, c.droppedFrames, c.retries, c.deviceErrors,
		c.cycleDuration, c.erle, c.residualRMS, c.state,
	)
	return c
}

// Cycle records one completed cycle.
func (c *Collector) Cycle(seconds, erleDB, residualRMS float64) {
	if c == nil {
		return
	}
	c.cycles.Inc()
	c.cycleDuration.Observe(seconds)
	c.erle.Set(erleDB)
	c.residualRMS.Set(residualRMS)
}

// Underrun records a backpressure event that dropped n frames.
func (c *Collector) Underrun(n int) {
	if c == nil {
		return
	}
	c.underruns.Inc()
	c.droppedFrames.Add(float64(n))
}

// Retry records a retry after a transient condition on stage.
func (c *Collector) Retry(stage string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(stage).Inc()
}

// DeviceError records a fatal device error on stage.
func (c *Collector) DeviceError(stage string) {
	if c == nil {
		return
	}
	c.deviceErrors.WithLabelValues(stage).Inc()
}

// State records the numeric pipeline state.
func (c *Collector) State(v int) {
	if c == nil {
		return
	}
	c.state.Set(float64(v))
}
