package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"live-transcription-service/internal/config"
	"live-transcription-service/internal/models"
	"live-transcription-service/internal/service/breaker"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("reading counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

type discardSink struct{}

func (discardSink) Send(models.ServerEvent) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Service:       config.ServiceConfig{Principal: "svc-test"},
		STT:           config.STTConfig{Provider: "mock", LanguageCode: "en-US", SampleRateHz: 16000, Timeout: time.Second},
		Pipeline:      config.PipelineConfig{Workers: 2, QueueSize: 10},
		Breaker:       config.BreakerConfig{FailureThreshold: 1, ConversionThreshold: 3},
		Session:       config.SessionConfig{RateLimitPerMinute: 600},
		Observability: config.ObservabilityConfig{LogLevel: "error", LogFormat: "json"},
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.STT.Provider = "carrier-pigeon"

	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected an error for an unknown provider")
	}
}

func TestApplication_Lifecycle(t *testing.T) {
	a, err := New(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	st := a.Status()
	if st.Provider != "mock" || st.Pool.Workers != 2 || st.Publisher {
		t.Errorf("unexpected status: %+v", st)
	}
	if err := a.Ready(); err != nil {
		t.Errorf("expected ready, got %v", err)
	}

	// One failure opens the provider breaker with this config.
	cb := a.Breakers.Get(breaker.TranscriptionProvider)
	_ = cb.Execute(func() error { return errors.New("provider down") })
	if !errors.Is(a.Ready(), ErrProviderUnavailable) {
		t.Errorf("expected not ready while the provider circuit is open, got %v", a.Ready())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Shutdown(ctx)
}

func TestApplication_RateLimitedSubmissionsAreCounted(t *testing.T) {
	cfg := testConfig()
	cfg.Session.RateLimitPerMinute = 1
	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	a.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	}()

	counter := a.metrics.RateLimited.WithLabelValues("audio-submissions")
	before := counterValue(t, counter)

	if _, err := a.Protocol.Join("conn-1", models.JoinSessionPayload{SessionID: "s1"}, discardSink{}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	req := models.AudioChunkPayload{SessionID: "s1"}
	if _, err := a.Protocol.SubmitAudio(context.Background(), "conn-1", req); err != nil {
		t.Fatalf("first submission failed: %v", err)
	}
	if _, err := a.Protocol.SubmitAudio(context.Background(), "conn-1", req); err == nil {
		t.Fatal("expected the second submission to be rate limited")
	}

	if got := counterValue(t, counter) - before; got != 1 {
		t.Errorf("expected one rate-limited event recorded, got %v", got)
	}
}
