package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"live-transcription-service/internal/service/stt"
)

func TestTranscribe_SendsMultipartRequest(t *testing.T) {
	var (
		gotAuth, gotModel, gotFormat, gotLang, gotPrompt, gotReqID string
		gotAudio                                                    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-ID")
		gotModel = r.FormValue("model")
		gotFormat = r.FormValue("response_format")
		gotLang = r.FormValue("language")
		gotPrompt = r.FormValue("prompt")
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			if hdr.Filename != "audio.wav" {
				t.Errorf("expected filename audio.wav, got %s", hdr.Filename)
			}
			gotAudio, _ = io.ReadAll(f)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":" hello world ","language":"english"}`)
	}))
	defer srv.Close()

	a := New(Config{Endpoint: srv.URL, APIKey: "sk-test"})
	resp, err := a.Transcribe(context.Background(), stt.Request{
		Audio:    []byte("RIFFdata"),
		Language: "en-US",
		Hints:    []string{"refund", "invoice"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
	if gotReqID == "" {
		t.Error("expected X-Request-ID header")
	}
	if gotModel != "whisper-1" || gotFormat != "verbose_json" {
		t.Errorf("unexpected form fields model=%q format=%q", gotModel, gotFormat)
	}
	if gotLang != "en" {
		t.Errorf("expected base language en, got %q", gotLang)
	}
	if gotPrompt != "refund, invoice" {
		t.Errorf("unexpected prompt %q", gotPrompt)
	}
	if string(gotAudio) != "RIFFdata" {
		t.Errorf("unexpected audio body %q", gotAudio)
	}

	if resp.Text != "hello world" {
		t.Errorf("expected trimmed text, got %q", resp.Text)
	}
	if resp.Confidence != 0.9 {
		t.Errorf("expected default confidence 0.9 without segments, got %f", resp.Confidence)
	}
}

func TestTranscribe_SegmentConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"text":"a b","segments":[
			{"start":0,"end":1,"text":"a","avg_logprob":0,"no_speech_prob":0},
			{"start":1,"end":2,"text":"b","avg_logprob":0,"no_speech_prob":0.5}
		]}`)
	}))
	defer srv.Close()

	resp, err := New(Config{Endpoint: srv.URL}).Transcribe(context.Background(), stt.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(resp.Segments))
	}
	if resp.Segments[1].Start != time.Second || resp.Segments[1].Confidence != 0.5 {
		t.Errorf("unexpected segment: %+v", resp.Segments[1])
	}
	if resp.Confidence != 0.75 {
		t.Errorf("expected weighted confidence 0.75, got %f", resp.Confidence)
	}
}

func TestTranscribe_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, stt.ErrRateLimited},
		{http.StatusBadGateway, stt.ErrUnavailable},
		{http.StatusServiceUnavailable, stt.ErrUnavailable},
		{http.StatusBadRequest, stt.ErrBadRequest},
		{http.StatusUnauthorized, stt.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := New(Config{Endpoint: srv.URL}).Transcribe(context.Background(), stt.Request{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var perr *stt.ProviderError
			if !errors.As(err, &perr) || perr.StatusCode != tt.status {
				t.Errorf("expected ProviderError with status %d, got %v", tt.status, err)
			}
		})
	}
}

func TestTranscribe_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(Config{Endpoint: srv.URL}).Transcribe(ctx, stt.Request{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestBaseLanguage(t *testing.T) {
	tests := map[string]string{
		"en-US": "en",
		"pt_BR": "pt",
		"DE":    "de",
		"":      "",
	}
	for in, want := range tests {
		if got := baseLanguage(in); got != want {
			t.Errorf("baseLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}
