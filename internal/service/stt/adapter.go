// Package stt defines the interface for Speech-to-Text providers.
package stt

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AudioFormat is the encoding a provider expects in Request.Audio.
type AudioFormat int

const (
	// FormatLINEAR16 is raw PCM16LE mono.
	FormatLINEAR16 AudioFormat = iota
	// FormatWAV is PCM16LE mono in a WAV container.
	FormatWAV
)

// String returns the format name.
func (f AudioFormat) String() string {
	switch f {
	case FormatWAV:
		return "wav"
	default:
		return "linear16"
	}
}

// Request is one chunk of audio to transcribe.
type Request struct {
	Audio      []byte
	Format     AudioFormat
	SampleRate int
	Language   string
	Hints      []string // phrase hints, provider support varies

	// Correlation metadata. Providers must not depend on it for correctness.
	SessionID string
	ChunkID   string
	Final     bool // last chunk of an utterance
}

// Segment is a timed portion of a transcript.
type Segment struct {
	Text       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Response is the provider output for one Request.
type Response struct {
	Text       string
	Confidence float64
	Language   string
	Segments   []Segment
}

// Provider transcribes audio chunks. Implementations must be safe for
// concurrent use; calls may be slow, rate limited or failing.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// InputFormat is the audio encoding Transcribe expects.
	InputFormat() AudioFormat

	// Transcribe converts one chunk of audio to text.
	Transcribe(ctx context.Context, req Request) (*Response, error)
}

// Sentinel provider errors.
var (
	ErrRateLimited = errors.New("provider rate limited")
	ErrUnavailable = errors.New("provider unavailable")
	ErrBadRequest  = errors.New("provider rejected request")
)

// ProviderError carries the provider name and an optional HTTP-like status.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsBreakerFailure reports whether err should count against the provider
// circuit breaker. Rejected requests and caller cancellation do not.
func IsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBadRequest) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
