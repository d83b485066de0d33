// Package mock provides a mock STT provider for running without cloud
// credentials. It simulates realistic behavior: successive chunks of a
// session return progressively longer partial transcripts of a scripted
// utterance, and the last chunk of an utterance returns the full text.
// Failures can be injected for outage drills.
package mock

import (
	"context"
	"sync"
	"time"

	"live-transcription-service/internal/service/stt"
)

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"I want", "I want to", "I want to cancel"},
		Final:      "I want to cancel my subscription",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"Yes", "Yes please"},
		Final:      "Yes please go ahead",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"Can you", "Can you help", "Can you help me with"},
		Final:      "Can you help me with my account",
		Confidence: 0.91,
	},
	{
		Partials:   []string{"I've been", "I've been waiting", "I've been waiting for"},
		Final:      "I've been waiting for over an hour",
		Confidence: 0.89,
	},
	{
		Partials:   []string{"Thank you"},
		Final:      "Thank you very much",
		Confidence: 0.98,
	},
}

// Config configures the mock provider.
type Config struct {
	Utterances []SimulatedUtterance
	Latency    time.Duration // simulated processing delay per call
	Format     stt.AudioFormat
}

// DefaultConfig returns a mock with the default script and 50ms latency.
func DefaultConfig() Config {
	return Config{
		Utterances: DefaultUtterances,
		Latency:    50 * time.Millisecond,
		Format:     stt.FormatWAV,
	}
}

// sessionScript tracks script progress for one session.
type sessionScript struct {
	utterance    int
	partialIndex int
}

// Adapter implements stt.Provider with scripted responses.
type Adapter struct {
	cfg Config

	mu        sync.Mutex
	sessions  map[string]*sessionScript
	nextStart int // first utterance of the next new session (cycles through the script)
	calls     int
	failNext  int
	failing   bool
	failErr   error
}

// New creates a mock provider.
func New(cfg Config) *Adapter {
	if len(cfg.Utterances) == 0 {
		cfg.Utterances = DefaultUtterances
	}
	return &Adapter{
		cfg:      cfg,
		sessions: make(map[string]*sessionScript),
	}
}

// Name returns "mock".
func (a *Adapter) Name() string { return "mock" }

// InputFormat returns the configured input format.
func (a *Adapter) InputFormat() stt.AudioFormat { return a.cfg.Format }

// Transcribe returns the next scripted result for the request's session.
// A request marked Final, or one past the last partial, returns the full
// utterance and advances the script.
func (a *Adapter) Transcribe(ctx context.Context, req stt.Request) (*stt.Response, error) {
	a.mu.Lock()
	a.calls++
	if err := a.injectedFailure(); err != nil {
		a.mu.Unlock()
		return nil, err
	}

	s, ok := a.sessions[req.SessionID]
	if !ok {
		s = &sessionScript{utterance: a.nextStart % len(a.cfg.Utterances)}
		a.nextStart++
		a.sessions[req.SessionID] = s
	}
	utt := a.cfg.Utterances[s.utterance%len(a.cfg.Utterances)]

	var resp *stt.Response
	if req.Final || s.partialIndex >= len(utt.Partials) {
		resp = &stt.Response{Text: utt.Final, Confidence: utt.Confidence, Language: req.Language}
		s.utterance++
		s.partialIndex = 0
	} else {
		// Partial confidence rises towards the final confidence.
		conf := 0.8 + 0.04*float64(s.partialIndex)
		if conf > utt.Confidence {
			conf = utt.Confidence
		}
		resp = &stt.Response{Text: utt.Partials[s.partialIndex], Confidence: conf, Language: req.Language}
		s.partialIndex++
	}
	a.mu.Unlock()

	if a.cfg.Latency > 0 {
		timer := time.NewTimer(a.cfg.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	resp.Segments = []stt.Segment{{Text: resp.Text, Confidence: resp.Confidence}}
	return resp, nil
}

// FailNext makes the next n calls fail with stt.ErrUnavailable.
func (a *Adapter) FailNext(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext = n
}

// SetFailing makes every call fail with err until called with nil.
func (a *Adapter) SetFailing(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failing = err != nil
	a.failErr = err
}

// Calls returns the number of Transcribe calls received.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Forget drops the script progress of a session.
func (a *Adapter) Forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
}

// injectedFailure returns the error of an injected failure. Caller holds a.mu.
func (a *Adapter) injectedFailure() error {
	if a.failing {
		return &stt.ProviderError{Provider: a.Name(), StatusCode: 503, Err: a.failErr}
	}
	if a.failNext > 0 {
		a.failNext--
		return &stt.ProviderError{Provider: a.Name(), StatusCode: 503, Err: stt.ErrUnavailable}
	}
	return nil
}
