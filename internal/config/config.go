// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration.
type Config struct {
	Service       ServiceConfig
	STT           STTConfig
	Pipeline      PipelineConfig
	Breaker       BreakerConfig
	Session       SessionConfig
	Stabilizer    StabilizerConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds service identity and listener ports.
type ServiceConfig struct {
	Principal   string
	HTTPPort    string
	GRPCPort    string
	MetricsPort string
}

// STTConfig selects and configures the transcription provider.
type STTConfig struct {
	Provider        string // mock, google, http
	LanguageCode    string
	SampleRateHz    int
	AudioEncoding   string
	Timeout         time.Duration // hard per-call deadline
	Hints           []string
	Endpoint        string
	APIKey          string
	Model           string
	CredentialsFile string
	MockLatency     time.Duration
}

// PipelineConfig sizes the chunking and worker stages.
type PipelineConfig struct {
	Workers          int
	QueueSize        int
	ChunkTarget      time.Duration
	ChunkOverlap     time.Duration
	AdaptiveChunking bool
	VADThreshold     float64
	VADEnergyFloor   float64
}

// BreakerConfig holds circuit breaker settings for downstream calls.
type BreakerConfig struct {
	FailureThreshold    int
	FailureWindow       time.Duration
	RecoveryTimeout     time.Duration
	SuccessThreshold    int
	HalfOpenMaxCalls    int
	ConversionThreshold int // failure threshold of the audio-conversion breaker
}

// SessionConfig holds per-session limits.
type SessionConfig struct {
	RateLimitPerMinute int
	MaxPayloadBytes    int
	GracePeriod        time.Duration
	IdleTimeout        time.Duration
}

// StabilizerConfig holds transcript emission thresholds.
type StabilizerConfig struct {
	HighConfidence     float64
	StabilityThreshold float64
	MaxDelay           time.Duration
	DuplicateWindow    time.Duration
	MaxEntries         int
}

// KafkaConfig holds Kafka publisher settings.
type KafkaConfig struct {
	Enabled        bool
	Brokers        []string
	TopicPartial   string
	TopicFinal     string
	TopicSummary   string
	Principal      string
	PublishInterim bool
	QueueSize      int           // events buffered ahead of the broker
	PublishTimeout time.Duration // per-event write deadline
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment. A .env file in the working
// directory, if present, is loaded first; variables already set win.
func Load() *Config {
	_ = godotenv.Load()

	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-live-transcription")

	return &Config{
		Service: ServiceConfig{
			Principal:   principal,
			HTTPPort:    envOrDefault("HTTP_PORT", "8080"),
			GRPCPort:    envOrDefault("GRPC_PORT", "50051"),
			MetricsPort: envOrDefault("METRICS_PORT", "9090"),
		},
		STT: STTConfig{
			Provider:        envOrDefault("STT_PROVIDER", "mock"),
			LanguageCode:    envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:    envOrDefaultInt("STT_SAMPLE_RATE_HZ", 16000),
			AudioEncoding:   envOrDefault("STT_AUDIO_ENCODING", "LINEAR16"),
			Timeout:         envOrDefaultDuration("STT_TIMEOUT", 10*time.Second),
			Hints:           envList("STT_HINTS"),
			Endpoint:        envOrDefault("STT_ENDPOINT", "https://api.openai.com/v1/audio/transcriptions"),
			APIKey:          os.Getenv("STT_API_KEY"),
			Model:           os.Getenv("STT_MODEL"),
			CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
			MockLatency:     envOrDefaultDuration("STT_MOCK_LATENCY", 50*time.Millisecond),
		},
		Pipeline: PipelineConfig{
			Workers:          envOrDefaultInt("WORKER_COUNT", 4),
			QueueSize:        envOrDefaultInt("WORKER_QUEUE_SIZE", 100),
			ChunkTarget:      envOrDefaultDuration("CHUNK_TARGET_DURATION", 300*time.Millisecond),
			ChunkOverlap:     envOrDefaultDuration("CHUNK_OVERLAP_DURATION", 50*time.Millisecond),
			AdaptiveChunking: envOrDefaultBool("CHUNK_ADAPTIVE", false),
			VADThreshold:     envOrDefaultFloat("VAD_THRESHOLD", 0.3),
			VADEnergyFloor:   envOrDefaultFloat("VAD_ENERGY_FLOOR", 300),
		},
		Breaker: BreakerConfig{
			FailureThreshold:    envOrDefaultInt("BREAKER_FAILURE_THRESHOLD", 5),
			FailureWindow:       envOrDefaultDuration("BREAKER_FAILURE_WINDOW", 60*time.Second),
			RecoveryTimeout:     envOrDefaultDuration("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
			SuccessThreshold:    envOrDefaultInt("BREAKER_SUCCESS_THRESHOLD", 1),
			HalfOpenMaxCalls:    envOrDefaultInt("BREAKER_HALF_OPEN_MAX_CALLS", 1),
			ConversionThreshold: envOrDefaultInt("BREAKER_CONVERSION_THRESHOLD", 3),
		},
		Session: SessionConfig{
			RateLimitPerMinute: envOrDefaultInt("SESSION_RATE_LIMIT_PER_MINUTE", 600),
			MaxPayloadBytes:    envOrDefaultInt("SESSION_MAX_PAYLOAD_BYTES", 256*1024),
			GracePeriod:        envOrDefaultDuration("SESSION_GRACE_PERIOD", 5*time.Second),
			IdleTimeout:        envOrDefaultDuration("SESSION_IDLE_TIMEOUT", 2*time.Minute),
		},
		Stabilizer: StabilizerConfig{
			HighConfidence:     envOrDefaultFloat("STABILIZER_HIGH_CONFIDENCE", 0.8),
			StabilityThreshold: envOrDefaultFloat("STABILIZER_STABILITY_THRESHOLD", 0.9),
			MaxDelay:           envOrDefaultDuration("STABILIZER_MAX_DELAY", 200*time.Millisecond),
			DuplicateWindow:    envOrDefaultDuration("STABILIZER_DUPLICATE_WINDOW", time.Second),
			MaxEntries:         envOrDefaultInt("STABILIZER_MAX_ENTRIES", 1000),
		},
		Kafka: KafkaConfig{
			Enabled:        envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:        envListOrDefault("KAFKA_BROKERS", []string{"localhost:9092"}),
			TopicPartial:   envOrDefault("KAFKA_TOPIC_PARTIAL", "live.transcript.partial"),
			TopicFinal:     envOrDefault("KAFKA_TOPIC_FINAL", "live.transcript.final"),
			TopicSummary:   envOrDefault("KAFKA_TOPIC_SUMMARY", "live.session.summary"),
			Principal:      envOrDefault("KAFKA_PRINCIPAL", principal),
			PublishInterim: envOrDefaultBool("KAFKA_PUBLISH_INTERIM", true),
			QueueSize:      envOrDefaultInt("KAFKA_QUEUE_SIZE", 1024),
			PublishTimeout: envOrDefaultDuration("KAFKA_PUBLISH_TIMEOUT", 2*time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:  envOrDefault("LOG_LEVEL", "info"),
			LogFormat: envOrDefault("LOG_FORMAT", "json"),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// envList splits a comma-separated variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envListOrDefault(key string, def []string) []string {
	if list := envList(key); len(list) > 0 {
		return list
	}
	return def
}
