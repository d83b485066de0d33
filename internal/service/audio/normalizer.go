// Package audio normalizes client audio payloads to PCM16LE mono at the
// session sample rate and encodes PCM for providers that want a container.
//
// Raw PCM and WAV are handled in-process. Every other media type is piped
// through ffmpeg behind the audio-conversion circuit breaker.
package audio

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/service/breaker"
)

// ErrEmptyAudio is returned when a payload normalizes to no samples.
var ErrEmptyAudio = errors.New("no audio samples")

// ConversionError wraps every normalization failure.
type ConversionError struct {
	Format Format
	Err    error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("audio %s conversion failed: %v", e.Format, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Normalizer turns submitted payloads into session PCM.
type Normalizer struct {
	converter Converter
	breaker   *breaker.Breaker
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewNormalizer creates a normalizer. cb protects the converter and may be
// nil when no container conversion is expected.
func NewNormalizer(converter Converter, cb *breaker.Breaker) *Normalizer {
	if converter == nil {
		converter = &FFmpegConverter{}
	}
	return &Normalizer{
		converter: converter,
		breaker:   cb,
		metrics:   metrics.DefaultMetrics,
		logger:    logging.WithComponent("audio-normalizer"),
	}
}

// Normalize decodes data according to mimeType and returns PCM16LE mono at
// sampleRate. A rate= parameter on raw PCM and the WAV header rate are
// honoured by resampling.
func (n *Normalizer) Normalize(ctx context.Context, data []byte, mimeType string, sampleRate int) ([]byte, error) {
	mt := ParseMediaType(mimeType)

	pcm, err := n.normalize(ctx, data, mt, sampleRate)
	n.metrics.RecordConversion(mt.Format.String(), err)
	if err != nil {
		n.logger.Warn().
			Err(err).
			Str("mimeType", mimeType).
			Int("bytes", len(data)).
			Msg("Audio normalization failed")
		return nil, &ConversionError{Format: mt.Format, Err: err}
	}
	return pcm, nil
}

func (n *Normalizer) normalize(ctx context.Context, data []byte, mt MediaType, sampleRate int) ([]byte, error) {
	switch mt.Format {
	case FormatPCM:
		pcm := data[:len(data)&^1]
		if len(pcm) == 0 {
			return nil, ErrEmptyAudio
		}
		if mt.SampleRate > 0 {
			pcm = Resample(pcm, mt.SampleRate, sampleRate)
		}
		return pcm, nil

	case FormatWAV:
		pcm, rate, err := DecodeWAV(data)
		if err != nil {
			return nil, err
		}
		if len(pcm) == 0 {
			return nil, ErrEmptyAudio
		}
		return Resample(pcm, rate, sampleRate), nil

	default:
		convert := func() ([]byte, error) {
			return n.converter.Convert(ctx, data, sampleRate)
		}
		if n.breaker == nil {
			return convert()
		}
		return breaker.Call(n.breaker, convert)
	}
}
