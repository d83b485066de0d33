// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "live_transcription"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Connection and session metrics
	ConnectionsActive prometheus.Gauge
	SessionsTotal     prometheus.Counter
	SessionsActive    prometheus.Gauge
	SessionsEnded     *prometheus.CounterVec
	SessionDuration   prometheus.Histogram

	// Protocol metrics
	SubmissionsTotal prometheus.Counter
	ProtocolErrors   *prometheus.CounterVec
	AckLatency       prometheus.Histogram

	// Audio metrics
	AudioBytesReceived prometheus.Counter
	AudioConversions   *prometheus.CounterVec

	// Chunk and queue metrics
	ChunksAssembled *prometheus.CounterVec
	ChunksDropped   prometheus.Counter
	QueueDepth      prometheus.Gauge
	WorkerResults   *prometheus.CounterVec

	// STT metrics
	STTLatency *prometheus.HistogramVec
	STTErrors  *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec

	// Emission metrics
	TranscriptsEmitted   *prometheus.CounterVec
	DuplicatesSuppressed prometheus.Counter
	StaleResultsDropped  prometheus.Counter
	EmissionLatency      *prometheus.HistogramVec

	// Rate limit metrics
	RateLimited *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishDropped *prometheus.CounterVec
	KafkaQueueDepth     prometheus.Gauge
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// gRPC metrics
	GRPCRequests *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open WebSocket connections",
		}),
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions joined",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently registered",
		}),
		SessionsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of sessions ended",
		}, []string{"reason"}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),

		SubmissionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_submissions_total",
			Help:      "Total number of accepted audio_chunk submissions",
		}),
		ProtocolErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of error events by type",
		}, []string{"type"}),
		AckLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ack_latency_seconds",
			Help:      "Time from audio_chunk receipt to ack",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		}),

		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total decoded audio bytes received",
		}),
		AudioConversions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_conversions_total",
			Help:      "Total number of audio payload normalizations",
		}, []string{"format", "outcome"}),

		ChunksAssembled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_assembled_total",
			Help:      "Total number of chunks assembled",
		}, []string{"speech"}),
		ChunksDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_dropped_total",
			Help:      "Total number of chunks dropped because the worker queue was full",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_queue_depth",
			Help:      "Number of chunks waiting in the worker queue",
		}),
		WorkerResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_results_total",
			Help:      "Total number of chunk results by outcome",
		}, []string{"outcome"}),

		STTLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_latency_seconds",
			Help:      "Speech-to-text call latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"provider"}),
		STTErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),

		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		BreakerTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		}, []string{"name", "to"}),

		TranscriptsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_emitted_total",
			Help:      "Total number of transcripts emitted to clients",
		}, []string{"kind", "trigger"}),
		DuplicatesSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_duplicates_suppressed_total",
			Help:      "Total number of duplicate transcripts suppressed",
		}),
		StaleResultsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_stale_dropped_total",
			Help:      "Total number of out-of-order interim results dropped",
		}),
		EmissionLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "emission_latency_seconds",
			Help:      "Time from chunk capture to transcript emission",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"kind"}),

		RateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Events rejected by a rate limiter",
		}, []string{"limiter"}),

		KafkaPublishDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_dropped_total",
			Help:      "Events dropped because the publish queue was full or closed",
		}, []string{"event_type"}),
		KafkaQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kafka_publish_queue_depth",
			Help:      "Events waiting in the publish queue",
		}),
		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		GRPCRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total number of gRPC requests",
		}, []string{"method", "code"}),
	}
}

// RecordConnectionOpen records a new transport connection.
func (m *Metrics) RecordConnectionOpen() {
	m.ConnectionsActive.Inc()
}

// RecordConnectionClose records a transport connection closing.
func (m *Metrics) RecordConnectionClose() {
	m.ConnectionsActive.Dec()
}

// RecordSessionStart records a session joining.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session leaving the registry.
func (m *Metrics) RecordSessionEnd(reason string, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionsEnded.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSubmission records an accepted audio submission and its ack latency.
func (m *Metrics) RecordSubmission(decodedBytes int, ackLatencySeconds float64) {
	m.SubmissionsTotal.Inc()
	m.AudioBytesReceived.Add(float64(decodedBytes))
	m.AckLatency.Observe(ackLatencySeconds)
}

// RecordProtocolError records an error event sent to a client.
func (m *Metrics) RecordProtocolError(errorType string) {
	m.ProtocolErrors.WithLabelValues(errorType).Inc()
}

// RecordConversion records an audio normalization.
func (m *Metrics) RecordConversion(format string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.AudioConversions.WithLabelValues(format, outcome).Inc()
}

// RecordChunk records an assembled chunk.
func (m *Metrics) RecordChunk(hasSpeech bool) {
	if hasSpeech {
		m.ChunksAssembled.WithLabelValues("true").Inc()
	} else {
		m.ChunksAssembled.WithLabelValues("false").Inc()
	}
}

// RecordChunkDropped records a chunk rejected by a full queue.
func (m *Metrics) RecordChunkDropped() {
	m.ChunksDropped.Inc()
}

// SetQueueDepth sets the worker queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// RecordWorkerResult records the terminal outcome of one chunk.
func (m *Metrics) RecordWorkerResult(outcome string) {
	m.WorkerResults.WithLabelValues(outcome).Inc()
}

// RecordSTTCall records a provider call latency.
func (m *Metrics) RecordSTTCall(provider string, latencySeconds float64) {
	m.STTLatency.WithLabelValues(provider).Observe(latencySeconds)
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordBreakerState records a circuit breaker transition.
func (m *Metrics) RecordBreakerState(name string, state int, stateName string) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
	m.BreakerTransitions.WithLabelValues(name, stateName).Inc()
}

// RecordEmission records a transcript emitted to a client.
func (m *Metrics) RecordEmission(final bool, trigger string, latencySeconds float64) {
	kind := "interim"
	if final {
		kind = "final"
	}
	m.TranscriptsEmitted.WithLabelValues(kind, trigger).Inc()
	m.EmissionLatency.WithLabelValues(kind).Observe(latencySeconds)
}

// RecordDuplicateSuppressed records a suppressed duplicate transcript.
func (m *Metrics) RecordDuplicateSuppressed() {
	m.DuplicatesSuppressed.Inc()
}

// RecordStaleDropped records an out-of-order interim result dropped.
func (m *Metrics) RecordStaleDropped() {
	m.StaleResultsDropped.Inc()
}

// RecordRateLimited records an event rejected by the named limiter.
func (m *Metrics) RecordRateLimited(limiter string) {
	m.RateLimited.WithLabelValues(limiter).Inc()
}

// RecordPublishDropped records an event the publish queue could not accept.
func (m *Metrics) RecordPublishDropped(eventType string) {
	m.KafkaPublishDropped.WithLabelValues(eventType).Inc()
}

// SetPublishQueueDepth sets the number of events waiting to be published.
func (m *Metrics) SetPublishQueueDepth(depth int) {
	m.KafkaQueueDepth.Set(float64(depth))
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordGRPCRequest records a gRPC request completion.
func (m *Metrics) RecordGRPCRequest(method, code string) {
	m.GRPCRequests.WithLabelValues(method, code).Inc()
}
