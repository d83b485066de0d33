package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	grpcapi "live-transcription-service/internal/api/grpc"
	"live-transcription-service/internal/api/ws"
	"live-transcription-service/internal/config"
	"live-transcription-service/internal/events"
	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/schema"
	"live-transcription-service/internal/service/audio"
	"live-transcription-service/internal/service/breaker"
	"live-transcription-service/internal/service/chunk"
	"live-transcription-service/internal/service/protocol"
	"live-transcription-service/internal/service/ratelimit"
	"live-transcription-service/internal/service/stabilizer"
	"live-transcription-service/internal/service/stt"
	"live-transcription-service/internal/service/stt/google"
	"live-transcription-service/internal/service/stt/httpapi"
	"live-transcription-service/internal/service/stt/mock"
	"live-transcription-service/internal/service/vad"
	"live-transcription-service/internal/service/worker"
)

// ErrProviderUnavailable is returned by Ready while the provider circuit is open.
var ErrProviderUnavailable = errors.New("transcription provider circuit open")

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Breakers  *breaker.Registry
	Provider  stt.Provider
	Pool      *worker.Pool
	Protocol  *protocol.Service
	Publisher *events.Publisher
	Stream    *ws.Handler
	Health    *grpcapi.Server

	metrics *metrics.Metrics
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs the application and all of its components from cfg.
func New(ctx context.Context, cfg *config.Config) (*Application, error) {
	a := &Application{
		Cfg:     cfg,
		metrics: metrics.DefaultMetrics,
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	a.Health = grpcapi.New(a.metrics)

	defaults := breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	}
	a.Breakers = breaker.NewRegistry(defaults, a.onBreakerChange)
	providerCfg := defaults
	providerCfg.IsFailure = stt.IsBreakerFailure
	a.Breakers.Configure(breaker.TranscriptionProvider, providerCfg)
	conversionCfg := defaults
	conversionCfg.FailureThreshold = cfg.Breaker.ConversionThreshold
	a.Breakers.Configure(breaker.AudioConversion, conversionCfg)

	provider, err := newProvider(ctx, cfg.STT)
	if err != nil {
		return nil, err
	}
	a.Provider = provider

	a.Publisher = events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		TopicSummary: cfg.Kafka.TopicSummary,
		Principal:    cfg.Kafka.Principal,
	})

	a.Pool = worker.NewPool(worker.Config{
		Workers:     cfg.Pipeline.Workers,
		QueueSize:   cfg.Pipeline.QueueSize,
		CallTimeout: cfg.STT.Timeout,
		Language:    cfg.STT.LanguageCode,
		Hints:       cfg.STT.Hints,
	}, provider, a.Breakers.Get(breaker.TranscriptionProvider), a.handleResult)

	a.Protocol = protocol.New(protocol.Config{
		DefaultSampleRate: cfg.STT.SampleRateHz,
		MaxPayloadBytes:   cfg.Session.MaxPayloadBytes,
		GracePeriod:       cfg.Session.GracePeriod,
		IdleTimeout:       cfg.Session.IdleTimeout,
		PublishInterim:    cfg.Kafka.PublishInterim,
		PublishQueueSize:  cfg.Kafka.QueueSize,
		PublishTimeout:    cfg.Kafka.PublishTimeout,
		AdaptiveChunking:  cfg.Pipeline.AdaptiveChunking,
		BaseChunkTarget:   cfg.Pipeline.ChunkTarget,
	}, protocol.Deps{
		Assembler: chunk.NewAssembler(chunk.Config{
			TargetDuration:    cfg.Pipeline.ChunkTarget,
			OverlapDuration:   cfg.Pipeline.ChunkOverlap,
			DefaultSampleRate: cfg.STT.SampleRateHz,
			VAD: vad.Config{
				Threshold:   cfg.Pipeline.VADThreshold,
				EnergyFloor: cfg.Pipeline.VADEnergyFloor,
			},
		}),
		Stabilizer: stabilizer.New(stabilizer.Config{
			HighConfidence:     cfg.Stabilizer.HighConfidence,
			StabilityThreshold: cfg.Stabilizer.StabilityThreshold,
			MaxDelay:           cfg.Stabilizer.MaxDelay,
			DuplicateWindow:    cfg.Stabilizer.DuplicateWindow,
			MaxEntries:         cfg.Stabilizer.MaxEntries,
		}),
		Limiter: ratelimit.NewSlidingWindow(ratelimit.Config{
			Name:   "audio-submissions",
			Limit:  cfg.Session.RateLimitPerMinute,
			Window: time.Minute,
			OnLimit: func(name, _ string) {
				a.metrics.RecordRateLimited(name)
			},
		}),
		Pool:       a.Pool,
		Normalizer: audio.NewNormalizer(&audio.FFmpegConverter{}, a.Breakers.Get(breaker.AudioConversion)),
		Publisher:  a.Publisher,
		Latency:    a.Pool.AvgLatency,
	})

	var wsCfg ws.Config
	if cfg.Session.MaxPayloadBytes > 0 {
		// Leave room above the payload ceiling so the protocol sees and
		// rejects oversized audio with session context.
		wsCfg.ReadLimit = 4 * int64(cfg.Session.MaxPayloadBytes)
	}
	a.Stream = ws.NewHandler(wsCfg, a.Protocol, schema.New())

	appLogger.Info().
		Str("provider", provider.Name()).
		Int("workers", cfg.Pipeline.Workers).
		Bool("kafka", a.Publisher.Enabled()).
		Msg("Live transcription service application created")
	return a, nil
}

// newProvider builds the configured transcription provider.
func newProvider(ctx context.Context, cfg config.STTConfig) (stt.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "mock":
		mc := mock.DefaultConfig()
		mc.Latency = cfg.MockLatency
		return mock.New(mc), nil
	case "google":
		p, err := google.New(ctx, google.Config{
			LanguageCode:    cfg.LanguageCode,
			SampleRateHz:    int32(cfg.SampleRateHz),
			AudioEncoding:   cfg.AudioEncoding,
			Model:           cfg.Model,
			Punctuation:     true,
			CredentialsFile: cfg.CredentialsFile,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "http":
		return httpapi.New(httpapi.Config{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Model:    cfg.Model,
			Language: cfg.LanguageCode,
		}), nil
	default:
		return nil, fmt.Errorf("unknown STT provider %q", cfg.Provider)
	}
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	lc := logging.DefaultConfig()
	lc.Level = a.Cfg.Observability.LogLevel
	lc.Format = a.Cfg.Observability.LogFormat
	logging.Init(lc)

	a.Logger = logging.WithComponent("application").With().
		Str("principal", a.Cfg.Service.Principal).
		Logger()

	a.Logger.Info().
		Str("logLevel", lc.Level).
		Str("logFormat", lc.Format).
		Msg("Logger setup completed")
}

func (a *Application) handleResult(r models.TranscriptionResult) {
	a.Protocol.HandleResult(r)
}

func (a *Application) onBreakerChange(name string, from, to breaker.State) {
	a.metrics.RecordBreakerState(name, int(to), to.String())
	if name == breaker.TranscriptionProvider {
		a.Health.SetProviderState(to)
	}
	a.Logger.Warn().
		Str("breaker", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state changed")
}

// Start launches the worker pool and the protocol's background loops.
func (a *Application) Start() error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})

	// The pool outlives the protocol loops; Pool.Stop drains it.
	a.Pool.Start(context.Background())
	go func() {
		defer close(a.done)
		a.Protocol.Run(ctx)
	}()

	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Live transcription service starting")

	return nil
}

// Ready reports whether the service should receive new sessions.
func (a *Application) Ready() error {
	if a.Breakers.Get(breaker.TranscriptionProvider).State() == breaker.StateOpen {
		return ErrProviderUnavailable
	}
	return nil
}

// Status is a JSON snapshot of the pipeline.
type Status struct {
	Provider  string          `json:"provider"`
	Uptime    string          `json:"uptime"`
	Protocol  protocol.Status `json:"protocol"`
	Pool      worker.Stats    `json:"pool"`
	Breakers  []breaker.Stats `json:"breakers"`
	Publisher bool            `json:"kafka_enabled"`
}

// Status returns a snapshot of pool, breaker and session state.
func (a *Application) Status() Status {
	return Status{
		Provider:  a.Provider.Name(),
		Uptime:    time.Since(a.StartupTime).Truncate(time.Second).String(),
		Protocol:  a.Protocol.Status(),
		Pool:      a.Pool.Stats(),
		Breakers:  a.Breakers.Stats(),
		Publisher: a.Publisher.Enabled(),
	}
}

// Shutdown ends every session, closes client connections and stops the
// pipeline. Sessions are finalized while the pool still runs so in-flight
// chunks can resolve.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().Msg("Live transcription service shutting down")

	a.Protocol.Shutdown(ctx)
	a.Stream.Close()

	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	if err := a.Pool.Stop(ctx); err != nil {
		shutdownLogger.Warn().Err(err).Msg("Worker pool did not drain")
	}
	if err := a.Publisher.Close(); err != nil {
		shutdownLogger.Warn().Err(err).Msg("Failed to close publisher")
	}
	if c, ok := a.Provider.(io.Closer); ok {
		if err := c.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Failed to close provider")
		}
	}
	a.Health.Stop()
}
