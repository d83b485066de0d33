// Package httpapi provides an STT provider for OpenAI/whisper-compatible
// HTTP transcription endpoints (POST multipart/form-data, verbose_json).
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"live-transcription-service/internal/service/stt"
)

// Config holds endpoint configuration.
type Config struct {
	Endpoint string // e.g. https://api.openai.com/v1/audio/transcriptions
	APIKey   string
	Model    string
	Language string
	Timeout  time.Duration // HTTP client timeout; per-call deadlines come from ctx
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Endpoint: "https://api.openai.com/v1/audio/transcriptions",
		Model:    "whisper-1",
		Timeout:  30 * time.Second,
	}
}

// Adapter implements stt.Provider over HTTP.
type Adapter struct {
	config     Config
	httpClient *http.Client
}

// New creates an HTTP provider.
func New(cfg Config) *Adapter {
	def := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Adapter{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns "http".
func (a *Adapter) Name() string { return "http" }

// InputFormat returns WAV; the endpoint needs a self-describing file.
func (a *Adapter) InputFormat() stt.AudioFormat { return stt.FormatWAV }

type verboseResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start        float64 `json:"start"`
		End          float64 `json:"end"`
		Text         string  `json:"text"`
		AvgLogprob   float64 `json:"avg_logprob"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

// Transcribe uploads the chunk as audio.wav.
func (a *Adapter) Transcribe(ctx context.Context, req stt.Request) (*stt.Response, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fields := map[string]string{
		"model":           a.config.Model,
		"response_format": "verbose_json",
	}
	if lang := firstNonEmpty(req.Language, a.config.Language); lang != "" {
		fields["language"] = baseLanguage(lang)
	}
	if len(req.Hints) > 0 {
		fields["prompt"] = strings.Join(req.Hints, ", ")
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(req.Audio); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.Endpoint, &body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if a.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("http: %w", ctx.Err())
		}
		return nil, &stt.ProviderError{Provider: a.Name(), Err: fmt.Errorf("%w: %v", stt.ErrUnavailable, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &stt.ProviderError{
			Provider:   a.Name(),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: %s", statusError(resp.StatusCode), strings.TrimSpace(string(b))),
		}
	}

	var vr verboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, &stt.ProviderError{Provider: a.Name(), Err: fmt.Errorf("decode response: %w", err)}
	}
	return toResponse(vr), nil
}

// toResponse converts a verbose_json body. Segment confidence is
// exp(avg_logprob) scaled by the speech probability; the overall confidence
// is their duration-weighted mean, or 0.9 when no segments are reported.
func toResponse(vr verboseResponse) *stt.Response {
	out := &stt.Response{
		Text:     strings.TrimSpace(vr.Text),
		Language: vr.Language,
	}
	if len(vr.Segments) == 0 {
		if out.Text != "" {
			out.Confidence = 0.9
		}
		return out
	}

	var weighted, total float64
	for _, s := range vr.Segments {
		conf := math.Exp(s.AvgLogprob) * (1 - s.NoSpeechProb)
		conf = math.Max(0, math.Min(1, conf))
		out.Segments = append(out.Segments, stt.Segment{
			Text:       strings.TrimSpace(s.Text),
			Start:      time.Duration(s.Start * float64(time.Second)),
			End:        time.Duration(s.End * float64(time.Second)),
			Confidence: conf,
		})
		w := s.End - s.Start
		if w <= 0 {
			w = 1
		}
		weighted += conf * w
		total += w
	}
	out.Confidence = weighted / total
	return out
}

func statusError(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return stt.ErrRateLimited
	case code >= 500:
		return stt.ErrUnavailable
	default:
		return stt.ErrBadRequest
	}
}

// baseLanguage turns "en-US" into "en"; whisper expects ISO-639-1.
func baseLanguage(lang string) string {
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		return strings.ToLower(lang[:i])
	}
	return strings.ToLower(lang)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
