// Package metrics exposes Prometheus collectors for the voice-call stack.
//
// A Collector is created once per process (or per test) against a
// prometheus.Registerer and handed to every component. All methods are safe
// to call on a nil *Collector, in which case they do nothing; components can
// therefore run without metrics wired in.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const namespace = "voicechat"

// Collector groups the counters, gauges and histograms of the call stack.
type Collector struct {
	DatagramsSent      *prometheus.CounterVec
	DatagramsReceived  *prometheus.CounterVec
	DatagramsDiscarded *prometheus.CounterVec
	EndpointSwitches   prometheus.Counter
	MediaBinds         prometheus.Counter
	ActiveTransports   prometheus.Gauge

	CaptureChunks   prometheus.Counter
	PlaybackFrames  prometheus.Counter
	PlaybackDropped *prometheus.CounterVec
	PlaybackFlushes prometheus.Counter
	DeviceReopens   *prometheus.CounterVec

	SignalsSent      *prometheus.CounterVec
	SignalsReceived  *prometheus.CounterVec
	SignalRetries    prometheus.Counter
	StateTransitions *prometheus.CounterVec
	CallDuration     prometheus.Histogram

	RelayFrames *prometheus.CounterVec
}

// NewCollector creates all collectors and registers them with reg. A nil reg
// registers against a fresh private registry, which is convenient for tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		DatagramsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "datagrams_sent_total",
			Help:      "UDP datagrams sent by media transports, by kind.",
		}, []string{"kind"}),
		DatagramsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "datagrams_received_total",
			Help:      "UDP datagrams received by media transports, by kind.",
		}, []string{"kind"}),
		DatagramsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "datagrams_discarded_total",
			Help:      "Inbound datagrams dropped at the transport boundary, by reason.",
		}, []string{"reason"}),
		EndpointSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "endpoint_switches_total",
			Help:      "Remote endpoint changes made by dynamic endpoint discovery.",
		}),
		MediaBinds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "binds_total",
			Help:      "UDP media endpoints successfully bound.",
		}),
		ActiveTransports: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "active_transports",
			Help:      "Media transports currently bound.",
		}),
		CaptureChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "capture_chunks_total",
			Help:      "Audio chunks read from the capture device.",
		}),
		PlaybackFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "playback_frames_total",
			Help:      "Frames written to playback devices.",
		}),
		PlaybackDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "playback_dropped_total",
			Help:      "Frames dropped before playback, by reason.",
		}, []string{"reason"}),
		PlaybackFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "playback_queue_flushes_total",
			Help:      "Full playback queue flushes caused by overload.",
		}),
		DeviceReopens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "device_reopens_total",
			Help:      "Defensive audio device reopen attempts, by direction and result.",
		}, []string{"direction", "result"}),
		SignalsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "signals_sent_total",
			Help:      "Call signals delivered to the reliable channel, by status.",
		}, []string{"status"}),
		SignalsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "signals_received_total",
			Help:      "Call signals received from the reliable channel, by status.",
		}, []string{"status"}),
		SignalRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "signal_retries_total",
			Help:      "Signal send attempts repeated after a transport failure.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "state_transitions_total",
			Help:      "Call session state transitions.",
		}, []string{"from", "to"}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "call_duration_seconds",
			Help:      "Duration of connected calls.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		RelayFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Conference relay frames, by outcome.",
		}, []string{"result"}),
	}

	for _, collector := range []prometheus.Collector{
		c.DatagramsSent, c.DatagramsReceived, c.DatagramsDiscarded,
		c.EndpointSwitches, c.MediaBinds, c.ActiveTransports,
		c.CaptureChunks, c.PlaybackFrames, c.PlaybackDropped, c.PlaybackFlushes, c.DeviceReopens,
		c.SignalsSent, c.SignalsReceived, c.SignalRetries, c.StateTransitions, c.CallDuration,
		c.RelayFrames,
	} {
		if err := reg.Register(collector); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "NewCollector",
				"error":    err.Error(),
			}).Warn("Failed to register collector")
		}
	}

	return c
}

// DatagramSent counts one outbound datagram of the given kind ("media" or "probe").
func (c *Collector) DatagramSent(kind string) {
	if c == nil {
		return
	}
	c.DatagramsSent.WithLabelValues(kind).Inc()
}

// DatagramReceived counts one inbound datagram of the given kind.
func (c *Collector) DatagramReceived(kind string) {
	if c == nil {
		return
	}
	c.DatagramsReceived.WithLabelValues(kind).Inc()
}

// DatagramDiscarded counts one inbound datagram dropped for reason.
func (c *Collector) DatagramDiscarded(reason string) {
	if c == nil {
		return
	}
	c.DatagramsDiscarded.WithLabelValues(reason).Inc()
}

// EndpointSwitched counts one discovery-driven remote endpoint change.
func (c *Collector) EndpointSwitched() {
	if c == nil {
		return
	}
	c.EndpointSwitches.Inc()
}

// TransportBound records a successfully bound media endpoint.
func (c *Collector) TransportBound() {
	if c == nil {
		return
	}
	c.MediaBinds.Inc()
	c.ActiveTransports.Inc()
}

// TransportClosed records a released media endpoint.
func (c *Collector) TransportClosed() {
	if c == nil {
		return
	}
	c.ActiveTransports.Dec()
}

// CaptureChunk counts one chunk read from the capture device.
func (c *Collector) CaptureChunk() {
	if c == nil {
		return
	}
	c.CaptureChunks.Inc()
}

// PlaybackFrame counts one frame written to an output device.
func (c *Collector) PlaybackFrame() {
	if c == nil {
		return
	}
	c.PlaybackFrames.Inc()
}

// PlaybackDrop counts one frame dropped before playback.
func (c *Collector) PlaybackDrop(reason string) {
	if c == nil {
		return
	}
	c.PlaybackDropped.WithLabelValues(reason).Inc()
}

// PlaybackFlush counts one overload flush of a playback queue.
func (c *Collector) PlaybackFlush() {
	if c == nil {
		return
	}
	c.PlaybackFlushes.Inc()
}

// DeviceReopen counts one defensive reopen of an audio device.
func (c *Collector) DeviceReopen(direction string, ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.DeviceReopens.WithLabelValues(direction, result).Inc()
}

// SignalSent counts one delivered signal.
func (c *Collector) SignalSent(status string) {
	if c == nil {
		return
	}
	c.SignalsSent.WithLabelValues(status).Inc()
}

// SignalReceived counts one inbound signal.
func (c *Collector) SignalReceived(status string) {
	if c == nil {
		return
	}
	c.SignalsReceived.WithLabelValues(status).Inc()
}

// SignalRetry counts one repeated send attempt.
func (c *Collector) SignalRetry() {
	if c == nil {
		return
	}
	c.SignalRetries.Inc()
}

// StateTransition counts one session state change.
func (c *Collector) StateTransition(from, to string) {
	if c == nil {
		return
	}
	c.StateTransitions.WithLabelValues(from, to).Inc()
}

// CallEnded records the connected duration of a finished call.
func (c *Collector) CallEnded(d time.Duration) {
	if c == nil {
		return
	}
	c.CallDuration.Observe(d.Seconds())
}

// RelayFrame counts one relay playout outcome ("delivered", "skipped", "late").
func (c *Collector) RelayFrame(result string) {
	if c == nil {
		return
	}
	c.RelayFrames.WithLabelValues(result).Inc()
}

// RelayFrameCount counts n relay playout outcomes at once.
func (c *Collector) RelayFrameCount(result string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.RelayFrames.WithLabelValues(result).Add(float64(n))
}
