package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
)

var (
	// ErrQueueFull is returned when an event is dropped because the queue is full.
	ErrQueueFull = errors.New("publish queue full")
	// ErrQueueClosed is returned for events enqueued after Close.
	ErrQueueClosed = errors.New("publish queue closed")
)

// Target receives events drained from a Queue. *Publisher implements it.
type Target interface {
	PublishPartial(ctx context.Context, ev models.TranscriptPartial) error
	PublishFinal(ctx context.Context, ev models.TranscriptFinal) error
	PublishSummary(ctx context.Context, ev models.SessionSummary) error
}

// QueueConfig sizes a Queue.
type QueueConfig struct {
	Size    int           // events buffered before new ones are dropped
	Timeout time.Duration // per-event publish deadline
}

// DefaultQueueConfig returns a 1024-event queue with a 2s publish deadline.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Size:    1024,
		Timeout: 2 * time.Second,
	}
}

type job struct {
	eventType string
	publish   func(ctx context.Context) error
}

// Queue publishes events from a single background goroutine so callers
// never wait on the broker. Events keep their enqueue order. When the buffer
// is full new events are dropped and counted.
type Queue struct {
	target  Target
	cfg     QueueConfig
	jobs    chan job
	done    chan struct{}
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewQueue starts a queue draining into target.
func NewQueue(target Target, cfg QueueConfig) *Queue {
	def := DefaultQueueConfig()
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	q := &Queue{
		target:  target,
		cfg:     cfg,
		jobs:    make(chan job, cfg.Size),
		done:    make(chan struct{}),
		metrics: metrics.DefaultMetrics,
		logger:  logging.WithComponent("publish-queue"),
	}
	go q.run()
	return q
}

// PublishPartial enqueues an interim transcript. The context is not used;
// the queue applies its own deadline when the event is sent.
func (q *Queue) PublishPartial(_ context.Context, ev models.TranscriptPartial) error {
	return q.enqueue(models.EventTypeTranscriptPartial, func(ctx context.Context) error {
		return q.target.PublishPartial(ctx, ev)
	})
}

// PublishFinal enqueues a final transcript.
func (q *Queue) PublishFinal(_ context.Context, ev models.TranscriptFinal) error {
	return q.enqueue(models.EventTypeTranscriptFinal, func(ctx context.Context) error {
		return q.target.PublishFinal(ctx, ev)
	})
}

// PublishSummary enqueues a session summary.
func (q *Queue) PublishSummary(_ context.Context, ev models.SessionSummary) error {
	return q.enqueue(models.EventTypeSessionSummary, func(ctx context.Context) error {
		return q.target.PublishSummary(ctx, ev)
	})
}

// Len returns the number of events waiting to be published.
func (q *Queue) Len() int {
	return len(q.jobs)
}

func (q *Queue) enqueue(eventType string, publish func(ctx context.Context) error) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.metrics.RecordPublishDropped(eventType)
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job{eventType: eventType, publish: publish}:
		q.metrics.SetPublishQueueDepth(len(q.jobs))
		return nil
	default:
		q.metrics.RecordPublishDropped(eventType)
		q.logger.Warn().
			Str("eventType", eventType).
			Int("size", q.cfg.Size).
			Msg("Publish queue full, dropping event")
		return ErrQueueFull
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for j := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.Timeout)
		err := j.publish(ctx)
		cancel()
		q.metrics.SetPublishQueueDepth(len(q.jobs))
		if err != nil {
			q.logger.Warn().
				Err(err).
				Str("eventType", j.eventType).
				Msg("Failed to publish event")
		}
	}
}

// Close stops accepting events and waits until the buffered ones are
// published or ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
