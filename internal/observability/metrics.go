package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Each instance
// owns its registry, so several can coexist in one process. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions         prometheus.Gauge
	SessionEvents          *prometheus.CounterVec
	TranscriptMessages     *prometheus.CounterVec
	DataEvents             *prometheus.CounterVec
	CredentialErrors       *prometheus.CounterVec
	MicrophoneErrors       *prometheus.CounterVec
	RemoteAudioAttachments prometheus.Gauge
	RemoteAudioPackets     prometheus.Counter
	StreamMessages         *prometheus.CounterVec
	ConnectLatency         prometheus.Histogram

	latency *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live agent test sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		TranscriptMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_messages_total",
			Help:      "Transcript messages appended by sender.",
		}, []string{"sender"}),
		DataEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_events_total",
			Help:      "Inbound data-channel messages by topic and outcome.",
		}, []string{"topic", "outcome"}),
		CredentialErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_errors_total",
			Help:      "Credential request failures by retryability.",
		}, []string{"retryable"}),
		MicrophoneErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "microphone_errors_total",
			Help:      "Microphone start failures by reason.",
		}, []string{"reason"}),
		RemoteAudioAttachments: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_audio_attachments",
			Help:      "Remote audio tracks currently attached to an output sink.",
		}),
		RemoteAudioPackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_audio_packets_total",
			Help:      "RTP packets received on remote audio tracks.",
		}),
		StreamMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Operator stream WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_ms",
			Help:      "Time from connect request to joined room in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000},
		}),
		latency: newLatencyWindow(256),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) IncSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IncTranscriptMessage(sender string) {
	if m == nil {
		return
	}
	m.TranscriptMessages.WithLabelValues(sender).Inc()
}

func (m *Metrics) IncDataEvent(topic, outcome string) {
	if m == nil {
		return
	}
	m.DataEvents.WithLabelValues(topic, outcome).Inc()
}

func (m *Metrics) IncCredentialError(retryable bool) {
	if m == nil {
		return
	}
	label := "false"
	if retryable {
		label = "true"
	}
	m.CredentialErrors.WithLabelValues(label).Inc()
}

func (m *Metrics) IncMicrophoneError(reason string) {
	if m == nil {
		return
	}
	m.MicrophoneErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) AttachmentOpened() {
	if m == nil {
		return
	}
	m.RemoteAudioAttachments.Inc()
}

func (m *Metrics) AttachmentReleased() {
	if m == nil {
		return
	}
	m.RemoteAudioAttachments.Dec()
}

func (m *Metrics) IncRemoteAudioPackets() {
	if m == nil {
		return
	}
	m.RemoteAudioPackets.Inc()
}

func (m *Metrics) IncStreamMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.StreamMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveConnectLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ConnectLatency.Observe(float64(d.Milliseconds()))
	m.latency.Observe(StageConnect, float64(d.Milliseconds()))
}

// ObserveStage records one agent-reported pipeline duration in milliseconds.
func (m *Metrics) ObserveStage(stage string, ms float64) {
	if m == nil {
		return
	}
	m.latency.Observe(stage, ms)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.latency.ObserveIndicator(name)
}

func (m *Metrics) LatencySnapshot() LatencySnapshot {
	if m == nil {
		return newLatencyWindow(0).Snapshot()
	}
	return m.latency.Snapshot()
}

// ResetLatency clears every stage and indicator and restarts the window.
func (m *Metrics) ResetLatency() {
	if m == nil {
		return
	}
	m.latency.Reset()
}
