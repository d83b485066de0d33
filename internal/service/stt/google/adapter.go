// Package google provides a Google Cloud Speech-to-Text provider.
package google

import (
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"live-transcription-service/internal/service/stt"
)

// Config holds Google Speech-to-Text configuration.
type Config struct {
	LanguageCode    string // e.g. "en-US"
	SampleRateHz    int32  // used when a request carries no sample rate
	AudioEncoding   string // LINEAR16, MULAW, FLAC, ...
	Model           string // e.g. "latest_short"; empty for the API default
	Punctuation     bool
	CredentialsFile string // empty uses application default credentials
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		LanguageCode:  "en-US",
		SampleRateHz:  16000,
		AudioEncoding: "LINEAR16",
		Model:         "latest_short",
		Punctuation:   true,
	}
}

// recognizer is the subset of *speech.Client the adapter uses.
type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest, opts ...gax.CallOption) (*speechpb.RecognizeResponse, error)
	Close() error
}

// Adapter implements stt.Provider using synchronous Recognize calls, one
// per chunk.
type Adapter struct {
	client recognizer
	config Config
}

// New creates a Google STT provider. Without a credentials file the client
// uses GOOGLE_APPLICATION_CREDENTIALS / application default credentials.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Adapter{client: c, config: withDefaults(cfg)}, nil
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = def.LanguageCode
	}
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = def.SampleRateHz
	}
	if cfg.AudioEncoding == "" {
		cfg.AudioEncoding = def.AudioEncoding
	}
	return cfg
}

// Name returns "google".
func (a *Adapter) Name() string { return "google" }

// InputFormat returns raw LINEAR16; the sample rate travels in the config.
func (a *Adapter) InputFormat() stt.AudioFormat { return stt.FormatLINEAR16 }

// Transcribe sends one chunk to Recognize.
func (a *Adapter) Transcribe(ctx context.Context, req stt.Request) (*stt.Response, error) {
	resp, err := a.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: a.recognitionConfig(req),
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: req.Audio},
		},
	})
	if err != nil {
		return nil, classifyError(err)
	}
	out := toResponse(resp)
	if out.Language == "" {
		out.Language = a.config.LanguageCode
	}
	return out, nil
}

// Close releases the underlying client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

func (a *Adapter) recognitionConfig(req stt.Request) *speechpb.RecognitionConfig {
	rate := a.config.SampleRateHz
	if req.SampleRate > 0 {
		rate = int32(req.SampleRate)
	}
	lang := a.config.LanguageCode
	if req.Language != "" {
		lang = req.Language
	}

	cfg := &speechpb.RecognitionConfig{
		Encoding:                   parseAudioEncoding(a.config.AudioEncoding),
		SampleRateHertz:            rate,
		AudioChannelCount:          1,
		LanguageCode:               lang,
		Model:                      a.config.Model,
		EnableAutomaticPunctuation: a.config.Punctuation,
		EnableWordTimeOffsets:      true,
		MaxAlternatives:            1,
	}
	if len(req.Hints) > 0 {
		cfg.SpeechContexts = []*speechpb.SpeechContext{{Phrases: req.Hints}}
	}
	return cfg
}

// toResponse joins the top alternative of every result. Confidence is the
// mean over results that report one.
func toResponse(resp *speechpb.RecognizeResponse) *stt.Response {
	out := &stt.Response{}
	if resp == nil {
		return out
	}

	var texts []string
	var confSum float64
	var confN int
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		if text == "" {
			continue
		}
		texts = append(texts, text)
		if alt.Confidence > 0 {
			confSum += float64(alt.Confidence)
			confN++
		}
		if out.Language == "" {
			out.Language = r.LanguageCode
		}

		seg := stt.Segment{Text: text, Confidence: float64(alt.Confidence)}
		if n := len(alt.Words); n > 0 {
			seg.Start = alt.Words[0].StartTime.AsDuration()
			seg.End = alt.Words[n-1].EndTime.AsDuration()
		} else if r.ResultEndTime != nil {
			seg.End = r.ResultEndTime.AsDuration()
		}
		out.Segments = append(out.Segments, seg)
	}

	out.Text = strings.Join(texts, " ")
	if confN > 0 {
		out.Confidence = confSum / float64(confN)
	}
	return out
}

// classifyError maps gRPC status codes onto stt sentinel errors.
func classifyError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return &stt.ProviderError{Provider: "google", Err: err}
	}

	var kind error
	switch st.Code() {
	case codes.ResourceExhausted:
		kind = stt.ErrRateLimited
	case codes.Unavailable, codes.Internal, codes.Unknown:
		kind = stt.ErrUnavailable
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		kind = stt.ErrBadRequest
	case codes.DeadlineExceeded:
		return fmt.Errorf("google: %s: %w", st.Message(), context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("google: %s: %w", st.Message(), context.Canceled)
	default:
		return &stt.ProviderError{Provider: "google", Err: err}
	}
	return &stt.ProviderError{Provider: "google", Err: fmt.Errorf("%w: %s (%s)", kind, st.Message(), st.Code())}
}

// parseAudioEncoding converts a string encoding to the protobuf enum.
// Unknown or non-uppercase values fall back to LINEAR16.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
