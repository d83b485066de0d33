package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/metrics"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func newEnabledPublisher() (*Publisher, *fakeWriter, *fakeWriter, *fakeWriter) {
	partial, final, summary := &fakeWriter{}, &fakeWriter{}, &fakeWriter{}
	p := &Publisher{
		writerPartial: partial,
		writerFinal:   final,
		writerSummary: summary,
		principal:     "test-svc",
		topicPartial:  "test.partial",
		topicFinal:    "test.final",
		topicSummary:  "test.summary",
		enabled:       true,
		metrics:       metrics.DefaultMetrics,
	}
	return p, partial, final, summary
}

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.Enabled() {
				t.Error("expected publisher to be disabled")
			}
			if p.writerPartial != nil || p.writerFinal != nil || p.writerSummary != nil {
				t.Error("expected nil writers when disabled")
			}
		})
	}
}

func TestNew_EnabledCreatesWriters(t *testing.T) {
	p := New(&Config{
		Enabled:      true,
		Brokers:      []string{"localhost:9092"},
		TopicPartial: "test.partial",
		TopicFinal:   "test.final",
		TopicSummary: "test.summary",
	})
	defer p.Close()

	if !p.Enabled() {
		t.Fatal("expected publisher to be enabled")
	}
	w, ok := p.writerSummary.(*kafka.Writer)
	if !ok || w.Topic != "test.summary" {
		t.Errorf("expected summary writer on test.summary, got %#v", p.writerSummary)
	}
}

func TestNew_ConfigValues(t *testing.T) {
	p := New(&Config{
		Enabled:      false,
		Brokers:      []string{"localhost:9092"},
		TopicPartial: "test.partial",
		TopicFinal:   "test.final",
		TopicSummary: "test.summary",
		Principal:    "test-principal",
	})

	if p.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", p.principal)
	}
	if p.topicPartial != "test.partial" || p.topicFinal != "test.final" || p.topicSummary != "test.summary" {
		t.Errorf("unexpected topics: %s %s %s", p.topicPartial, p.topicFinal, p.topicSummary)
	}
}

func TestPublisher_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false})
	ctx := context.Background()

	if err := p.PublishPartial(ctx, models.TranscriptPartial{SessionID: "s1", Text: "hi"}); err != nil {
		t.Errorf("partial: expected no error when disabled, got %v", err)
	}
	if err := p.PublishFinal(ctx, models.TranscriptFinal{SessionID: "s1", Text: "hi"}); err != nil {
		t.Errorf("final: expected no error when disabled, got %v", err)
	}
	if err := p.PublishSummary(ctx, models.SessionSummary{SessionID: "s1"}); err != nil {
		t.Errorf("summary: expected no error when disabled, got %v", err)
	}
}

func TestPublisher_InvalidJSON(t *testing.T) {
	p := New(&Config{Enabled: false})

	// Channels cannot be marshaled.
	err := p.publish(context.Background(), nil, "test.final", "final", "key", make(chan int))
	if err == nil {
		t.Error("expected error for unmarshalable event")
	}
}

func TestPublisher_RoutesToTopicWriters(t *testing.T) {
	p, partial, final, summary := newEnabledPublisher()
	ctx := context.Background()

	if err := p.PublishPartial(ctx, models.TranscriptPartial{
		EventType: models.EventTypeTranscriptPartial,
		SessionID: "s1",
		Text:      "hello",
	}); err != nil {
		t.Fatalf("partial: %v", err)
	}
	if err := p.PublishFinal(ctx, models.TranscriptFinal{
		EventType:  models.EventTypeTranscriptFinal,
		SessionID:  "s1",
		Text:       "hello world",
		Confidence: 0.9,
	}); err != nil {
		t.Fatalf("final: %v", err)
	}
	if err := p.PublishSummary(ctx, models.SessionSummary{
		EventType: models.EventTypeSessionSummary,
		SessionID: "s1",
		Reason:    "client",
	}); err != nil {
		t.Fatalf("summary: %v", err)
	}

	if len(partial.msgs) != 1 || len(final.msgs) != 1 || len(summary.msgs) != 1 {
		t.Fatalf("expected one message per topic, got %d/%d/%d", len(partial.msgs), len(final.msgs), len(summary.msgs))
	}

	msg := final.msgs[0]
	if string(msg.Key) != "s1" {
		t.Errorf("expected session id key, got %q", msg.Key)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["eventType"] != "final" || headers["principal"] != "test-svc" {
		t.Errorf("unexpected headers: %v", headers)
	}

	var decoded models.TranscriptFinal
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Text != "hello world" || decoded.EventType != models.EventTypeTranscriptFinal {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

func TestPublisher_WriteError(t *testing.T) {
	p, _, final, _ := newEnabledPublisher()
	final.err = errors.New("broker down")

	err := p.PublishFinal(context.Background(), models.TranscriptFinal{SessionID: "s1"})
	if !errors.Is(err, final.err) {
		t.Errorf("expected write error, got %v", err)
	}
}

func TestPublisher_Close(t *testing.T) {
	p, partial, final, summary := newEnabledPublisher()
	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !partial.closed || !final.closed || !summary.closed {
		t.Error("expected all writers closed")
	}

	if err := New(&Config{Enabled: false}).Close(); err != nil {
		t.Errorf("expected no error closing disabled publisher, got %v", err)
	}
}
