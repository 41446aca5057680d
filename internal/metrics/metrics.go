// Package metrics exposes prometheus collectors for the audio and call
// pipeline. A nil *Collector is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clara"

type Collector struct {
	chunksScheduled  prometheus.Counter
	chunksDropped    *prometheus.CounterVec
	decodeErrors     prometheus.Counter
	remoteActive     prometheus.Gauge
	fallbackRuns     prometheus.Counter
	fallbackSegments *prometheus.CounterVec
	fallbackTimeouts prometheus.Counter
	dedupeSkips      prometheus.Counter
	callTransitions  *prometheus.CounterVec
	captureStarts    prometheus.Counter
	silenceStops     prometheus.Counter
}

// New registers the collectors on reg. Passing nil uses a fresh private
// registry so tests can build several collectors side by side.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Collector{
		chunksScheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_chunks_scheduled_total",
			Help:      "Remote audio chunks placed on the output timeline",
		}),
		chunksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_chunks_dropped_total",
			Help:      "Remote audio chunks dropped before scheduling",
		}, []string{"reason"}),
		decodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_chunk_decode_errors_total",
			Help:      "Remote audio chunks that failed to decode",
		}),
		remoteActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_sources_active",
			Help:      "Scheduled remote sources that have not finished playing",
		}),
		fallbackRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_sequences_total",
			Help:      "Fallback speech sequences started",
		}),
		fallbackSegments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_segments_total",
			Help:      "Fallback speech segments by outcome",
		}, []string{"result"}),
		fallbackTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_timeouts_total",
			Help:      "Fallback sequences resolved by the safety deadline",
		}),
		dedupeSkips: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_dedupe_skips_total",
			Help:      "Fallback requests suppressed as duplicates",
		}),
		callTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_transitions_total",
			Help:      "Call state machine transitions",
		}, []string{"from", "to"}),
		captureStarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_starts_total",
			Help:      "Microphone capture sessions started",
		}),
		silenceStops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_silence_stops_total",
			Help:      "Capture sessions ended by the silence timer",
		}),
	}
}

func (c *Collector) ChunkScheduled() {
	if c == nil {
		return
	}
	c.chunksScheduled.Inc()
}

func (c *Collector) ChunkDropped(reason string) {
	if c == nil {
		return
	}
	c.chunksDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) DecodeError() {
	if c == nil {
		return
	}
	c.decodeErrors.Inc()
}

func (c *Collector) RemoteActive(n int) {
	if c == nil {
		return
	}
	c.remoteActive.Set(float64(n))
}

func (c *Collector) FallbackStarted() {
	if c == nil {
		return
	}
	c.fallbackRuns.Inc()
}

// FallbackSegment records a finished segment; result is "ok" or "error".
func (c *Collector) FallbackSegment(result string) {
	if c == nil {
		return
	}
	c.fallbackSegments.WithLabelValues(result).Inc()
}

func (c *Collector) FallbackTimeout() {
	if c == nil {
		return
	}
	c.fallbackTimeouts.Inc()
}

func (c *Collector) DedupeSkip() {
	if c == nil {
		return
	}
	c.dedupeSkips.Inc()
}

func (c *Collector) CallTransition(from, to string) {
	if c == nil {
		return
	}
	c.callTransitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) CaptureStarted() {
	if c == nil {
		return
	}
	c.captureStarts.Inc()
}

func (c *Collector) SilenceStop() {
	if c == nil {
		return
	}
	c.silenceStops.Inc()
}
