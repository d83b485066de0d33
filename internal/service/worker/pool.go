// Package worker dispatches assembled audio chunks to the transcription
// provider on a fixed set of goroutines fed by one bounded queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/service/audio"
	"live-transcription-service/internal/service/breaker"
	"live-transcription-service/internal/service/stt"
)

// ResultHandler receives exactly one result per accepted chunk. It is called
// from worker goroutines and must be safe for concurrent use.
type ResultHandler func(models.TranscriptionResult)

// Config configures the pool.
type Config struct {
	Workers     int
	QueueSize   int
	CallTimeout time.Duration // hard limit on one provider call
	Language    string
	Hints       []string
}

// DefaultConfig returns 4 workers on a 100-slot queue with a 10s call timeout.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   100,
		CallTimeout: 10 * time.Second,
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Workers    int           `json:"workers"`
	Queued     int           `json:"queued"`
	Processed  uint64        `json:"processed"`
	Skipped    uint64        `json:"skipped"`
	Failed     uint64        `json:"failed"`
	Dropped    uint64        `json:"dropped"`
	AvgLatency time.Duration `json:"avg_latency"`
}

const latencyAlpha = 0.2

// Pool is a bounded transcription worker pool.
type Pool struct {
	cfg      Config
	provider stt.Provider
	breaker  *breaker.Breaker
	handler  ResultHandler
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	queue chan models.AudioChunk
	quit  chan struct{}
	wg    sync.WaitGroup

	mu      sync.RWMutex // guards stopped against in-flight Submit calls
	stopped bool
	started bool
	cancel  context.CancelFunc

	processed atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	latencyMu sync.Mutex
	ewmaMs    float64
}

// NewPool creates a pool. cb wraps every provider call and may be shared
// with other callers of the same provider.
func NewPool(cfg Config, provider stt.Provider, cb *breaker.Breaker, handler ResultHandler) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cb == nil {
		bc := breaker.DefaultConfig(breaker.TranscriptionProvider)
		bc.IsFailure = stt.IsBreakerFailure
		cb = breaker.New(bc)
	}
	if handler == nil {
		handler = func(models.TranscriptionResult) {}
	}
	return &Pool{
		cfg:      cfg,
		provider: provider,
		breaker:  cb,
		handler:  handler,
		metrics:  metrics.DefaultMetrics,
		logger:   logging.WithComponent("worker-pool"),
		queue:    make(chan models.AudioChunk, cfg.QueueSize),
		quit:     make(chan struct{}),
	}
}

// Start launches the workers. Calls after the first are no-ops.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(runCtx, i)
	}

	p.logger.Info().
		Int("workers", p.cfg.Workers).
		Int("queueSize", p.cfg.QueueSize).
		Str("provider", p.provider.Name()).
		Msg("Worker pool started")
}

// Submit enqueues a chunk without blocking. It returns false, and counts a
// drop, when the queue is full or the pool is stopped.
func (p *Pool) Submit(chunk models.AudioChunk) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.stopped {
		select {
		case p.queue <- chunk:
			p.metrics.SetQueueDepth(len(p.queue))
			return true
		default:
		}
	}

	p.dropped.Add(1)
	p.metrics.RecordChunkDropped()
	p.logger.Warn().
		Str("sessionId", chunk.SessionID).
		Str("chunkId", chunk.ID).
		Int("queued", len(p.queue)).
		Bool("stopped", p.stopped).
		Msg("Chunk dropped")
	return false
}

// Stop rejects further submissions and lets the workers drain the queue. If
// ctx expires first, in-flight provider calls are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	close(p.quit)
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info().Msg("Worker pool drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("worker pool drain: %w", ctx.Err())
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:    p.cfg.Workers,
		Queued:     len(p.queue),
		Processed:  p.processed.Load(),
		Skipped:    p.skipped.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
		AvgLatency: p.AvgLatency(),
	}
}

// AvgLatency is the exponentially weighted average provider latency.
func (p *Pool) AvgLatency() time.Duration {
	p.latencyMu.Lock()
	defer p.latencyMu.Unlock()
	return time.Duration(p.ewmaMs * float64(time.Millisecond))
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case chunk := <-p.queue:
			p.handle(ctx, chunk)
		case <-p.quit:
			// Drain what is already queued.
			for {
				select {
				case chunk := <-p.queue:
					p.handle(ctx, chunk)
				default:
					p.logger.Debug().Int("worker", id).Msg("Worker stopped")
					return
				}
			}
		}
	}
}

func (p *Pool) handle(ctx context.Context, chunk models.AudioChunk) {
	p.metrics.SetQueueDepth(len(p.queue))

	res := p.process(ctx, chunk)

	outcome := "ok"
	switch {
	case res.Skipped:
		p.skipped.Add(1)
		outcome = "skipped"
	case res.Failed():
		p.failed.Add(1)
		outcome = string(res.ErrorKind)
	}
	p.processed.Add(1)
	p.metrics.RecordWorkerResult(outcome)

	p.deliver(res)
}

func (p *Pool) deliver(res models.TranscriptionResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("sessionId", res.SessionID).
				Str("chunkId", res.ChunkID).
				Interface("panic", r).
				Msg("Result handler panicked")
		}
	}()
	p.handler(res)
}

// process turns one chunk into its terminal result. A panic anywhere in the
// transcription path becomes an internal_error result.
func (p *Pool) process(ctx context.Context, chunk models.AudioChunk) (res models.TranscriptionResult) {
	res = models.ResultFor(chunk)
	log := logging.WithChunk(chunk.SessionID, chunk.ID, chunk.SequenceNumber)

	defer func() {
		if r := recover(); r != nil {
			res = models.ResultFor(chunk)
			res.ErrorKind = models.ErrInternal
			res.Err = fmt.Errorf("worker panic: %v", r)
			log.Error().Interface("panic", r).Msg("Recovered worker panic")
		}
	}()

	if !chunk.HasSpeech || len(chunk.Payload) == 0 {
		res.Skipped = true
		return res
	}

	payload := chunk.Payload
	if p.provider.InputFormat() == stt.FormatWAV {
		wav, err := audio.EncodeWAV(chunk.Payload, chunk.SampleRate)
		if err != nil {
			res.ErrorKind = models.ErrAudioProcessing
			res.Err = err
			log.Warn().Err(err).Msg("Failed to encode chunk for provider")
			return res
		}
		payload = wav
	}

	req := stt.Request{
		Audio:      payload,
		Format:     p.provider.InputFormat(),
		SampleRate: chunk.SampleRate,
		Language:   p.cfg.Language,
		Hints:      p.cfg.Hints,
		SessionID:  chunk.SessionID,
		ChunkID:    chunk.ID,
		Final:      chunk.IsFinal,
	}

	start := time.Now()
	resp, err := breaker.Call(p.breaker, func() (*stt.Response, error) {
		return p.transcribe(ctx, req)
	})
	elapsed := time.Since(start)
	res.ProcessingLatencyMs = elapsed.Milliseconds()

	if err != nil {
		res.ErrorKind = classify(err)
		res.Err = err
		if res.ErrorKind != models.ErrCircuitOpen {
			p.observeLatency(elapsed)
		}
		p.metrics.RecordSTTError(p.provider.Name(), string(res.ErrorKind))
		log.Warn().
			Err(err).
			Str("errorType", string(res.ErrorKind)).
			Dur("latency", elapsed).
			Msg("Transcription failed")
		return res
	}

	p.observeLatency(elapsed)
	p.metrics.RecordSTTCall(p.provider.Name(), elapsed.Seconds())

	res.Text = resp.Text
	res.Confidence = resp.Confidence
	log.Debug().
		Str("text", resp.Text).
		Float64("confidence", resp.Confidence).
		Dur("latency", elapsed).
		Msg("Chunk transcribed")
	return res
}

type callResult struct {
	resp     *stt.Response
	err      error
	panicked any
}

// transcribe enforces the call timeout even for providers that ignore ctx.
func (p *Pool) transcribe(ctx context.Context, req stt.Request) (*stt.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{panicked: r}
			}
		}()
		resp, err := p.provider.Transcribe(callCtx, req)
		done <- callResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.panicked != nil {
			panic(r.panicked)
		}
		if r.err == nil && r.resp == nil {
			r.resp = &stt.Response{}
		}
		return r.resp, r.err
	case <-callCtx.Done():
		return nil, fmt.Errorf("transcribe %s: %w", req.ChunkID, callCtx.Err())
	}
}

func (p *Pool) observeLatency(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	p.latencyMu.Lock()
	defer p.latencyMu.Unlock()
	if p.ewmaMs == 0 {
		p.ewmaMs = ms
		return
	}
	p.ewmaMs = latencyAlpha*ms + (1-latencyAlpha)*p.ewmaMs
}

// classify maps a provider call error onto the client error taxonomy.
func classify(err error) models.ErrorKind {
	var convErr *audio.ConversionError
	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		return models.ErrCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrTranscriptionTimeout
	case errors.As(err, &convErr):
		return models.ErrAudioProcessing
	default:
		return models.ErrTranscriptionProviderError
	}
}
