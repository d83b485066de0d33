// Package protocol implements the per-connection session protocol: join,
// audio submission with acknowledgement, and end of stream. It wires the
// assembler, worker pool, stabilizer and publisher together and delivers
// transcripts to the connection that owns each session.
package protocol

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"live-transcription-service/internal/events"
	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/service/chunk"
	"live-transcription-service/internal/service/ratelimit"
	"live-transcription-service/internal/service/session"
	"live-transcription-service/internal/service/stabilizer"
	"live-transcription-service/internal/service/vad"
)

// Submitter accepts chunks for transcription without blocking.
type Submitter interface {
	Submit(c models.AudioChunk) bool
}

// Normalizer converts a submitted payload to PCM16LE mono.
type Normalizer interface {
	Normalize(ctx context.Context, data []byte, mimeType string, sampleRate int) ([]byte, error)
}

// Publisher persists transcripts and session summaries. Calls may block on
// the broker; the service only invokes them from its publish queue.
type Publisher interface {
	PublishPartial(ctx context.Context, ev models.TranscriptPartial) error
	PublishFinal(ctx context.Context, ev models.TranscriptFinal) error
	PublishSummary(ctx context.Context, ev models.SessionSummary) error
}

// Session end reasons.
const (
	ReasonClient     = "client"
	ReasonIdle       = "idle"
	ReasonDisconnect = "disconnect"
	ReasonShutdown   = "shutdown"
)

// Config holds protocol settings.
type Config struct {
	DefaultSampleRate int
	MaxPayloadBytes   int           // ceiling on the base64 payload before decoding
	GracePeriod       time.Duration // End waits this long for in-flight chunks
	IdleTimeout       time.Duration
	ReapInterval      time.Duration
	FlushInterval     time.Duration // how often MaxDelay flushes are checked
	PublishTimeout    time.Duration // per-event deadline inside the publish queue
	PublishQueueSize  int
	PublishInterim    bool
	AdaptiveChunking  bool
	BaseChunkTarget   time.Duration // starting point for adaptive sizing
}

// DefaultConfig returns the default protocol settings.
func DefaultConfig() Config {
	return Config{
		DefaultSampleRate: 16000,
		MaxPayloadBytes:   256 * 1024,
		GracePeriod:       5 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ReapInterval:      10 * time.Second,
		FlushInterval:     50 * time.Millisecond,
		PublishTimeout:    2 * time.Second,
		PublishQueueSize:  1024,
		PublishInterim:    true,
		BaseChunkTarget:   300 * time.Millisecond,
	}
}

// Deps are the collaborators of the protocol service.
type Deps struct {
	Registry   *session.Registry
	Assembler  *chunk.Assembler
	Stabilizer *stabilizer.Stabilizer
	Limiter    *ratelimit.SlidingWindow
	Pool       Submitter
	Normalizer Normalizer
	Publisher  Publisher
	// Latency reports recent provider latency for adaptive chunk sizing.
	Latency func() time.Duration
}

// Service runs the session protocol.
type Service struct {
	cfg        Config
	registry   *session.Registry
	assembler  *chunk.Assembler
	stabilizer *stabilizer.Stabilizer
	limiter    *ratelimit.SlidingWindow
	pool       Submitter
	normalizer Normalizer
	outbox     *events.Queue // nil without a publisher
	latency    func() time.Duration

	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates the protocol service. Registry, Assembler, Stabilizer and
// Limiter default to fresh instances; Pool and Normalizer are required.
func New(cfg Config, deps Deps) *Service {
	def := DefaultConfig()
	if cfg.DefaultSampleRate <= 0 {
		cfg.DefaultSampleRate = def.DefaultSampleRate
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.PublishQueueSize <= 0 {
		cfg.PublishQueueSize = def.PublishQueueSize
	}
	if cfg.BaseChunkTarget <= 0 {
		cfg.BaseChunkTarget = def.BaseChunkTarget
	}

	if deps.Registry == nil {
		deps.Registry = session.NewRegistry()
	}
	if deps.Assembler == nil {
		deps.Assembler = chunk.NewAssembler(chunk.DefaultConfig())
	}
	if deps.Stabilizer == nil {
		deps.Stabilizer = stabilizer.New(stabilizer.DefaultConfig())
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewSlidingWindow(ratelimit.DefaultConfig("audio-submissions"))
	}
	if deps.Latency == nil {
		deps.Latency = func() time.Duration { return 0 }
	}
	var outbox *events.Queue
	if deps.Publisher != nil {
		outbox = events.NewQueue(deps.Publisher, events.QueueConfig{
			Size:    cfg.PublishQueueSize,
			Timeout: cfg.PublishTimeout,
		})
	}

	return &Service{
		cfg:        cfg,
		registry:   deps.Registry,
		assembler:  deps.Assembler,
		stabilizer: deps.Stabilizer,
		limiter:    deps.Limiter,
		pool:       deps.Pool,
		normalizer: deps.Normalizer,
		outbox:     outbox,
		latency:    deps.Latency,
		metrics:    metrics.DefaultMetrics,
		logger:     logging.WithComponent("protocol"),
		now:        time.Now,
	}
}

// Join creates a fresh session owned by connID. An existing record with the
// same id is torn down first.
func (p *Service) Join(connID string, req models.JoinSessionPayload, sink session.Sink) (models.JoinedSession, error) {
	if req.SessionID == "" {
		return models.JoinedSession{}, p.fail(models.NewProtocolError(models.ErrMissingSessionID, "session_id is required"))
	}

	rate := req.SampleRate
	if rate <= 0 {
		rate = p.cfg.DefaultSampleRate
	}

	now := p.now()
	s := session.New(req.SessionID, connID, rate, sink, now)
	if prev := p.registry.Put(s); prev != nil {
		p.discard(prev)
	}
	p.assembler.Open(s.ID, rate)
	if p.cfg.AdaptiveChunking {
		p.assembler.SetTargetDuration(s.ID, p.cfg.BaseChunkTarget)
	}

	p.metrics.RecordSessionStart()
	log := logging.WithSession(s.ID, connID)
	log.Info().
		Int("sampleRate", rate).
		Msg("Session joined")

	return models.JoinedSession{
		SessionID:  s.ID,
		SampleRate: rate,
		JoinedAt:   now.UnixMilli(),
	}, nil
}

// SubmitAudio validates, decodes and assembles one audio submission and
// returns its acknowledgement. Transcripts for the audio arrive later on the
// session sink.
func (p *Service) SubmitAudio(ctx context.Context, connID string, req models.AudioChunkPayload) (models.Ack, error) {
	received := p.now()

	s, err := p.owned(connID, req.SessionID, "session not joined")
	if err != nil {
		return models.Ack{}, p.fail(err)
	}
	if !s.State().AcceptsAudio() {
		return models.Ack{}, p.fail(models.NewProtocolError(models.ErrSessionNotJoined, "session has ended"))
	}
	if len(req.AudioDataB64) > p.cfg.MaxPayloadBytes {
		return models.Ack{}, p.fail(models.NewProtocolError(models.ErrAudioDecode,
			"audio payload of %d bytes exceeds %d", len(req.AudioDataB64), p.cfg.MaxPayloadBytes))
	}

	data, err := base64.StdEncoding.DecodeString(req.AudioDataB64)
	if err != nil {
		return models.Ack{}, p.fail(models.NewProtocolError(models.ErrAudioDecode, "invalid base64 audio").WithCause(err))
	}

	var pcm []byte
	if len(data) > 0 {
		pcm, err = p.normalizer.Normalize(ctx, data, req.MimeType, s.SampleRate)
		if err != nil {
			return models.Ack{}, p.fail(models.NewProtocolError(models.ErrAudioProcessing, "could not process audio").WithCause(err))
		}
	}

	// Only well-formed submissions count against the window.
	if !p.limiter.Allow(s.ID) {
		return models.Ack{}, p.fail(models.NewProtocolError(models.ErrRateLimitExceeded,
			"more than %d audio chunks in %s", p.limiter.Limit(), p.limiter.Window()))
	}

	seq, err := s.BeginSubmission(received)
	if err != nil {
		return models.Ack{}, p.fail(models.NewProtocolError(models.ErrSessionNotJoined, "session has ended").WithCause(err))
	}

	if req.RMS > 0 {
		s.ObserveRMS(req.RMS)
	}
	if p.cfg.AdaptiveChunking {
		target := p.assembler.AdaptiveTarget(p.cfg.BaseChunkTarget, s.EnergyVariance(), p.latency())
		p.assembler.SetTargetDuration(s.ID, target)
	}

	chunks := p.assembler.Add(s.ID, pcm)
	if req.IsFinalChunk {
		chunks = append(chunks, p.assembler.Finalize(s.ID)...)
	}
	p.dispatch(s, chunks)

	latency := p.now().Sub(received)
	p.metrics.RecordSubmission(len(pcm), latency.Seconds())

	return models.Ack{
		OK:        true,
		Seq:       seq,
		LatencyMs: latency.Milliseconds(),
		SessionID: s.ID,
	}, nil
}

// End finalizes a session owned by connID: the remaining audio is flushed,
// in-flight chunks get up to the grace period, the stabilizer is flushed as
// final and stream_ended is sent on the session sink. A second End for the
// same session fails with session_not_joined.
func (p *Service) End(ctx context.Context, connID, sessionID string) (models.StreamEnded, error) {
	s, err := p.owned(connID, sessionID, "session not found")
	if err != nil {
		return models.StreamEnded{}, p.fail(err)
	}
	ended, ok := p.finish(ctx, s, ReasonClient)
	if !ok {
		return models.StreamEnded{}, p.fail(models.NewProtocolError(models.ErrSessionNotJoined, "session not found"))
	}
	return ended, nil
}

// Disconnect ends every session owned by connID.
func (p *Service) Disconnect(ctx context.Context, connID string) {
	p.endAll(ctx, p.registry.ByConnection(connID), ReasonDisconnect)
}

// Shutdown ends every live session and waits for queued events to be
// published or ctx to expire. Events produced afterwards are dropped.
func (p *Service) Shutdown(ctx context.Context) {
	p.endAll(ctx, p.registry.All(), ReasonShutdown)
	if p.outbox == nil {
		return
	}
	if err := p.outbox.Close(ctx); err != nil {
		p.logger.Warn().
			Err(err).
			Int("pending", p.outbox.Len()).
			Msg("Publish queue did not drain")
	}
}

// Status is a snapshot of protocol state.
type Status struct {
	Sessions     int              `json:"sessions"`
	Assembler    chunk.Stats      `json:"assembler"`
	VAD          vad.Stats        `json:"vad"`
	Stabilizer   stabilizer.Stats `json:"stabilizer"`
	PublishQueue int              `json:"publish_queue"`
}

// Status returns a snapshot of protocol state.
func (p *Service) Status() Status {
	st := Status{
		Sessions:   p.registry.Len(),
		Assembler:  p.assembler.Stats(),
		VAD:        p.assembler.VADStats(),
		Stabilizer: p.stabilizer.Stats(),
	}
	if p.outbox != nil {
		st.PublishQueue = p.outbox.Len()
	}
	return st
}

func (p *Service) endAll(ctx context.Context, sessions []*session.Session, reason string) {
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			p.finish(ctx, s, reason)
		}(s)
	}
	wg.Wait()
}

// owned looks up a session and checks that connID owns it.
func (p *Service) owned(connID, sessionID, notFound string) (*session.Session, error) {
	s, err := p.registry.Get(sessionID)
	if err != nil {
		return nil, models.NewProtocolError(models.ErrSessionNotJoined, "%s", notFound).WithCause(err)
	}
	if !s.OwnedBy(connID) {
		return nil, models.NewProtocolError(models.ErrSessionNotJoined, "session owned by another connection").WithCause(session.ErrNotOwner)
	}
	return s, nil
}

// finish runs the end sequence once per session. It returns false if the
// session had already ended.
func (p *Service) finish(ctx context.Context, s *session.Session, reason string) (models.StreamEnded, bool) {
	if !s.End() {
		return models.StreamEnded{}, false
	}
	log := logging.WithSession(s.ID, s.OwnerConnID)

	p.dispatch(s, p.assembler.Finalize(s.ID))

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.GracePeriod)
	drained := s.WaitIdle(waitCtx)
	cancel()
	if !drained {
		log.Warn().
			Int("inFlight", s.InFlight()).
			Dur("gracePeriod", p.cfg.GracePeriod).
			Msg("Ending session with chunks still in flight")
	}

	now := p.now()
	var ended models.StreamEnded
	s.Seal(func() {
		if em, ok := p.stabilizer.FinalizeSession(s.ID); ok {
			p.deliver(s, em)
		}
		now = p.now()
		ended = models.StreamEnded{SessionID: s.ID, FinalStats: s.Stats(now)}
		p.send(s, models.EventStreamEnded, ended)
	})

	if p.outbox != nil {
		_ = p.outbox.PublishSummary(ctx, models.SessionSummary{
			EventType: models.EventTypeSessionSummary,
			SessionID: s.ID,
			Reason:    reason,
			Timestamp: now.UnixMilli(),
			Stats:     ended.FinalStats,
		})
	}

	if p.registry.Delete(s) {
		p.assembler.Remove(s.ID)
		p.limiter.Remove(s.ID)
	}

	p.metrics.RecordSessionEnd(reason, now.Sub(s.JoinedAt).Seconds())
	log.Info().
		Str("reason", reason).
		Int64("submissions", ended.FinalStats.Submissions).
		Int64("chunks", ended.FinalStats.Chunks).
		Int64("finals", ended.FinalStats.FinalEmitted).
		Bool("drained", drained).
		Msg("Session ended")

	return ended, true
}

// discard tears down a record replaced by a new join without finalizing it.
func (p *Service) discard(s *session.Session) {
	if !s.End() {
		return
	}
	p.stabilizer.Remove(s.ID)
	p.limiter.Remove(s.ID)
	p.metrics.RecordSessionEnd("rejoined", p.now().Sub(s.JoinedAt).Seconds())
	log := logging.WithSession(s.ID, s.OwnerConnID)
	log.Info().Msg("Session replaced by a new join")
}

// dispatch hands chunks to the pool, tracking them as in flight.
func (p *Service) dispatch(s *session.Session, chunks []models.AudioChunk) {
	for _, c := range chunks {
		p.metrics.RecordChunk(c.HasSpeech)
		s.Acquire(1)
		if !p.pool.Submit(c) {
			s.Release()
			s.RecordDrop()
		}
	}
}

// fail records the error kind and returns err unchanged.
func (p *Service) fail(err error) error {
	var pe *models.ProtocolError
	if errors.As(err, &pe) {
		p.metrics.RecordProtocolError(string(pe.Kind))
	}
	return err
}
