package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"live-transcription-service/internal/models"
)

type recordingTarget struct {
	mu      sync.Mutex
	order   []string
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *recordingTarget) record(ctx context.Context, name string) error {
	if r.started != nil {
		r.once.Do(func() { close(r.started) })
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
	return nil
}

func (r *recordingTarget) PublishPartial(ctx context.Context, ev models.TranscriptPartial) error {
	return r.record(ctx, "partial:"+ev.Text)
}

func (r *recordingTarget) PublishFinal(ctx context.Context, ev models.TranscriptFinal) error {
	return r.record(ctx, "final:"+ev.Text)
}

func (r *recordingTarget) PublishSummary(ctx context.Context, ev models.SessionSummary) error {
	return r.record(ctx, "summary:"+ev.Reason)
}

func (r *recordingTarget) published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestQueue_PreservesOrder(t *testing.T) {
	target := &recordingTarget{}
	q := NewQueue(target, QueueConfig{Size: 10, Timeout: time.Second})
	ctx := context.Background()

	_ = q.PublishPartial(ctx, models.TranscriptPartial{Text: "hel"})
	_ = q.PublishFinal(ctx, models.TranscriptFinal{Text: "hello"})
	_ = q.PublishSummary(ctx, models.SessionSummary{Reason: "client"})

	if err := q.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	got := target.published()
	want := []string{"partial:hel", "final:hello", "summary:client"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestQueue_SlowTargetNeverBlocksCallers(t *testing.T) {
	target := &recordingTarget{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	q := NewQueue(target, QueueConfig{Size: 2, Timeout: 5 * time.Second})
	ctx := context.Background()

	if err := q.PublishFinal(ctx, models.TranscriptFinal{Text: "a"}); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	<-target.started

	start := time.Now()
	for _, text := range []string{"b", "c"} {
		if err := q.PublishFinal(ctx, models.TranscriptFinal{Text: text}); err != nil {
			t.Fatalf("enqueue %s failed: %v", text, err)
		}
	}
	if err := q.PublishFinal(ctx, models.TranscriptFinal{Text: "d"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("enqueue blocked for %v", elapsed)
	}
	if q.Len() != 2 {
		t.Errorf("expected 2 queued events, got %d", q.Len())
	}

	close(target.release)
	if err := q.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if got := target.published(); len(got) != 3 {
		t.Errorf("expected the 3 accepted events published, got %v", got)
	}
}

func TestQueue_RejectsAfterClose(t *testing.T) {
	q := NewQueue(&recordingTarget{}, DefaultQueueConfig())
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	err := q.PublishSummary(context.Background(), models.SessionSummary{Reason: "client"})
	if !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
}

func TestQueue_CloseHonorsContext(t *testing.T) {
	target := &recordingTarget{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	defer close(target.release)
	q := NewQueue(target, QueueConfig{Size: 1, Timeout: 5 * time.Second})

	_ = q.PublishFinal(context.Background(), models.TranscriptFinal{Text: "stuck"})
	<-target.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
