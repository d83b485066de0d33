package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"live-transcription-service/internal/service/stt"
)

func newTestAdapter() *Adapter {
	cfg := DefaultConfig()
	cfg.Latency = 0
	return New(cfg)
}

func TestAdapter_New(t *testing.T) {
	adapter := New(Config{})
	if adapter == nil {
		t.Fatal("expected non-nil adapter")
	}
	if len(adapter.cfg.Utterances) != len(DefaultUtterances) {
		t.Error("expected default utterances when none configured")
	}
	if adapter.Name() != "mock" {
		t.Errorf("expected name mock, got %s", adapter.Name())
	}
}

func TestAdapter_ProgressivePartialsThenFinal(t *testing.T) {
	adapter := newTestAdapter()
	ctx := context.Background()
	utt := DefaultUtterances[0]

	for i, want := range utt.Partials {
		resp, err := adapter.Transcribe(ctx, stt.Request{SessionID: "s1"})
		if err != nil {
			t.Fatalf("partial %d: unexpected error: %v", i, err)
		}
		if resp.Text != want {
			t.Errorf("partial %d: expected %q, got %q", i, want, resp.Text)
		}
		if resp.Confidence < 0.8 || resp.Confidence > utt.Confidence {
			t.Errorf("partial %d: confidence %f out of range", i, resp.Confidence)
		}
	}

	resp, err := adapter.Transcribe(ctx, stt.Request{SessionID: "s1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != utt.Final || resp.Confidence != utt.Confidence {
		t.Errorf("expected final %q/%f, got %q/%f", utt.Final, utt.Confidence, resp.Text, resp.Confidence)
	}

	// The script moves on to the next utterance.
	resp, _ = adapter.Transcribe(ctx, stt.Request{SessionID: "s1"})
	if resp.Text != DefaultUtterances[1].Partials[0] {
		t.Errorf("expected next utterance, got %q", resp.Text)
	}
}

func TestAdapter_FinalRequestCompletesUtterance(t *testing.T) {
	adapter := newTestAdapter()
	ctx := context.Background()

	adapter.Transcribe(ctx, stt.Request{SessionID: "s1"})
	resp, err := adapter.Transcribe(ctx, stt.Request{SessionID: "s1", Final: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != DefaultUtterances[0].Final {
		t.Errorf("expected final text on final request, got %q", resp.Text)
	}
}

func TestAdapter_SessionsAreIndependent(t *testing.T) {
	adapter := newTestAdapter()
	ctx := context.Background()

	a, _ := adapter.Transcribe(ctx, stt.Request{SessionID: "s1"})
	b, _ := adapter.Transcribe(ctx, stt.Request{SessionID: "s2"})
	if a.Text == b.Text {
		t.Errorf("expected sessions to start on different utterances, both got %q", a.Text)
	}

	adapter.Forget("s1")
	c, _ := adapter.Transcribe(ctx, stt.Request{SessionID: "s1"})
	if c.Text != DefaultUtterances[2].Partials[0] {
		t.Errorf("expected forgotten session to restart on the next script entry, got %q", c.Text)
	}
}

func TestAdapter_FailNext(t *testing.T) {
	adapter := newTestAdapter()
	ctx := context.Background()
	adapter.FailNext(2)

	for i := 0; i < 2; i++ {
		_, err := adapter.Transcribe(ctx, stt.Request{SessionID: "s1"})
		if !errors.Is(err, stt.ErrUnavailable) {
			t.Fatalf("call %d: expected ErrUnavailable, got %v", i, err)
		}
	}
	if _, err := adapter.Transcribe(ctx, stt.Request{SessionID: "s1"}); err != nil {
		t.Fatalf("expected recovery after injected failures, got %v", err)
	}
	if adapter.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", adapter.Calls())
	}
}

func TestAdapter_SetFailing(t *testing.T) {
	adapter := newTestAdapter()
	ctx := context.Background()
	outage := errors.New("region down")

	adapter.SetFailing(outage)
	_, err := adapter.Transcribe(ctx, stt.Request{SessionID: "s1"})
	var perr *stt.ProviderError
	if !errors.As(err, &perr) || !errors.Is(err, outage) {
		t.Fatalf("expected ProviderError wrapping outage, got %v", err)
	}

	adapter.SetFailing(nil)
	if _, err := adapter.Transcribe(ctx, stt.Request{SessionID: "s1"}); err != nil {
		t.Errorf("expected success after clearing failure, got %v", err)
	}
}

func TestAdapter_LatencyRespectsContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Latency = time.Second
	adapter := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := adapter.Transcribe(ctx, stt.Request{SessionID: "s1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("expected Transcribe to return at the deadline")
	}
}
