package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "audio_io"

// Metrics contains all Prometheus metrics for the audio-io service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// UDP packet metrics
	PacketsReceived prometheus.Counter
	PacketsDropped  *prometheus.CounterVec
	PacketsSent     prometheus.Counter

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed *prometheus.CounterVec
	SessionDuration   prometheus.Histogram

	// Codec metrics
	FramesDecoded prometheus.Counter
	DecodeErrors  prometheus.Counter
	FramesEncoded prometheus.Counter

	// VAD metrics
	VADFrames       prometheus.Counter
	VADSpeechFrames prometheus.Counter
	Flushes         prometheus.Counter
	FlushDuration   prometheus.Histogram

	// Transcription metrics
	SubmissionsInFlight prometheus.Gauge
	SubmissionSuccesses prometheus.Counter
	SubmissionFailures  prometheus.Counter
	SubmissionDuration  prometheus.Histogram
	SubmissionRetries   prometheus.Counter

	// Synthesis metrics
	SynthesisSent   prometheus.Counter
	SynthesisFailed prometheus.Counter

	// Signaling metrics
	SignalingMessages *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// UDP packet metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total number of UDP packets received",
		}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Total number of UDP packets dropped, by reason",
		}, []string{"reason"}),
		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total number of UDP packets sent to devices",
		}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of active sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		}),
		SessionsDestroyed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_destroyed_total",
			Help:      "Total number of sessions destroyed, by reason",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of sessions in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// Codec metrics
		FramesDecoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decoded_total",
			Help:      "Total number of inbound codec frames decoded",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total number of inbound codec frames that failed to decode",
		}),
		FramesEncoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_encoded_total",
			Help:      "Total number of outbound codec frames encoded",
		}),

		// VAD metrics
		VADFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_frames_total",
			Help:      "Total number of frames classified by VAD",
		}),
		VADSpeechFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_speech_frames_total",
			Help:      "Total number of frames classified as speech",
		}),
		Flushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_flushes_total",
			Help:      "Total number of utterances flushed for transcription",
		}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vad_flush_duration_seconds",
			Help:      "Audio duration of flushed utterances",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),

		// Transcription metrics
		SubmissionsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcription_in_flight",
			Help:      "Current number of transcription submissions in progress",
		}),
		SubmissionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_successes_total",
			Help:      "Total number of successful transcription submissions",
		}),
		SubmissionFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_failures_total",
			Help:      "Total number of failed transcription submissions",
		}),
		SubmissionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_duration_seconds",
			Help:      "Duration of transcription submissions",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),
		SubmissionRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_retries_total",
			Help:      "Total number of transcription submission retries",
		}),

		// Synthesis metrics
		SynthesisSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_sent_total",
			Help:      "Total number of synthesized utterances sent to devices",
		}),
		SynthesisFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_failed_total",
			Help:      "Total number of synthesized utterances that could not be sent",
		}),

		// Signaling metrics
		SignalingMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_messages_total",
			Help:      "Total number of signaling messages handled, by type and outcome",
		}, []string{"type", "outcome"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordPacketDropped increments the dropped packets counter for reason
func (m *Metrics) RecordPacketDropped(reason string) {
	if m == nil {
		return
	}
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordPacketsSent adds n to the packets sent counter
func (m *Metrics) RecordPacketsSent(n int) {
	if m == nil {
		return
	}
	m.PacketsSent.Add(float64(n))
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionDestroyed increments the sessions destroyed counter and records the lifetime
func (m *Metrics) RecordSessionDestroyed(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsDestroyed.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordFrameDecoded records the outcome of decoding one inbound frame
func (m *Metrics) RecordFrameDecoded(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.FramesDecoded.Inc()
	} else {
		m.DecodeErrors.Inc()
	}
}

// RecordFramesEncoded adds n to the encoded frames counter
func (m *Metrics) RecordFramesEncoded(n int) {
	if m == nil {
		return
	}
	m.FramesEncoded.Add(float64(n))
}

// RecordVADFrames adds classified frames to the VAD counters
func (m *Metrics) RecordVADFrames(total, speech uint64) {
	if m == nil {
		return
	}
	m.VADFrames.Add(float64(total))
	m.VADSpeechFrames.Add(float64(speech))
}

// RecordFlush records a flushed utterance
func (m *Metrics) RecordFlush(durationSeconds float64) {
	if m == nil {
		return
	}
	m.Flushes.Inc()
	m.FlushDuration.Observe(durationSeconds)
}

// SubmissionStarted increments the in-flight submissions gauge
func (m *Metrics) SubmissionStarted() {
	if m == nil {
		return
	}
	m.SubmissionsInFlight.Inc()
}

// RecordSubmission records a finished transcription submission
func (m *Metrics) RecordSubmission(success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SubmissionsInFlight.Dec()
	if success {
		m.SubmissionSuccesses.Inc()
	} else {
		m.SubmissionFailures.Inc()
	}
	m.SubmissionDuration.Observe(durationSeconds)
}

// RecordSubmissionRetry increments the retry counter
func (m *Metrics) RecordSubmissionRetry() {
	if m == nil {
		return
	}
	m.SubmissionRetries.Inc()
}

// RecordSynthesis records the outcome of delivering synthesized audio
func (m *Metrics) RecordSynthesis(success bool) {
	if m == nil {
		return
	}
	if success {
		m.SynthesisSent.Inc()
	} else {
		m.SynthesisFailed.Inc()
	}
}

// RecordSignaling records a handled signaling message
func (m *Metrics) RecordSignaling(messageType, outcome string) {
	if m == nil {
		return
	}
	m.SignalingMessages.WithLabelValues(messageType, outcome).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
