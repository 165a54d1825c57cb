// Package metrics exports engine counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements the engine's metrics hooks.
type Collector struct {
	streamsStarted     *prometheus.CounterVec
	audioStreamed      *prometheus.CounterVec
	realtimeViolations *prometheus.CounterVec
	violationTime      *prometheus.CounterVec
	connectedGroups    prometheus.Gauge
	segmentsCaptured   *prometheus.CounterVec
}

// NewCollector registers the engine metrics with reg under namespace.
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	f := promauto.With(reg)
	return &Collector{
		streamsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_started_total",
			Help:      "Sources that began streaming.",
		}, []string{"guild"}),
		audioStreamed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_streamed_seconds_total",
			Help:      "Audio time transmitted, sampled at each heartbeat.",
		}, []string{"guild"}),
		realtimeViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_violations_total",
			Help:      "Streamer ticks that overran the frame budget.",
		}, []string{"guild"}),
		violationTime: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_violation_seconds_total",
			Help:      "Time by which streamer ticks overran the frame budget.",
		}, []string{"guild"}),
		connectedGroups: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_groups",
			Help:      "Guilds with an established voice transport.",
		}),
		segmentsCaptured: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_captured_total",
			Help:      "Inbound utterances finalized.",
		}, []string{"guild"}),
	}
}

func (c *Collector) StreamStarted(guildID string) {
	c.streamsStarted.WithLabelValues(guildID).Inc()
}

func (c *Collector) AudioStreamed(guildID string, d time.Duration) {
	c.audioStreamed.WithLabelValues(guildID).Add(d.Seconds())
}

func (c *Collector) RealtimeViolation(guildID string, over time.Duration) {
	c.realtimeViolations.WithLabelValues(guildID).Inc()
	c.violationTime.WithLabelValues(guildID).Add(over.Seconds())
}

func (c *Collector) GroupConnected()    { c.connectedGroups.Inc() }
func (c *Collector) GroupDisconnected() { c.connectedGroups.Dec() }

func (c *Collector) SegmentCaptured(guildID string) {
	c.segmentsCaptured.WithLabelValues(guildID).Inc()
}
