package ws

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/service/audio"
	"live-transcription-service/internal/service/protocol"
	"live-transcription-service/internal/service/stt"
	"live-transcription-service/internal/service/stt/mock"
	"live-transcription-service/internal/service/worker"
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) (*httptest.Server, *protocol.Service) {
	t.Helper()
	return newTestServerWith(t, DefaultConfig())
}

func newTestServerWith(t *testing.T, cfg Config) (*httptest.Server, *protocol.Service) {
	t.Helper()

	provider := mock.New(mock.Config{Format: stt.FormatLINEAR16})
	var svc *protocol.Service
	pool := worker.NewPool(worker.Config{Workers: 2, QueueSize: 100, CallTimeout: time.Second},
		provider, nil, func(r models.TranscriptionResult) { svc.HandleResult(r) })
	svc = protocol.New(protocol.DefaultConfig(), protocol.Deps{
		Pool:       pool,
		Normalizer: audio.NewNormalizer(nil, nil),
	})
	pool.Start(context.Background())

	h := NewHandler(cfg, svc, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return srv, svc
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sendEvent(t *testing.T, c *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.WriteJSON(models.Envelope{Event: event, Data: raw}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads events until one named event arrives, returning it.
func readUntil(t *testing.T, c *websocket.Conn, event string) inbound {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev inbound
		if err := c.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if ev.Event == event {
			return ev
		}
	}
}

func readError(t *testing.T, c *websocket.Conn) models.ErrorEvent {
	t.Helper()
	ev := readUntil(t, c, models.EventError)
	var out models.ErrorEvent
	if err := json.Unmarshal(ev.Data, &out); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	return out
}

func toneB64(dur time.Duration) string {
	n := int(16000 * dur / time.Second)
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := 8000 * math.Sin(2*math.Pi*440*float64(i)/16000)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v)))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func TestHandler_SessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv)

	sendEvent(t, c, models.EventJoinSession, models.JoinSessionPayload{SessionID: "s1"})
	var joined models.JoinedSession
	if err := json.Unmarshal(readUntil(t, c, models.EventJoinedSession).Data, &joined); err != nil {
		t.Fatal(err)
	}
	if joined.SessionID != "s1" || joined.SampleRate != 16000 {
		t.Errorf("unexpected joined_session: %+v", joined)
	}

	sendEvent(t, c, models.EventAudioChunk, models.AudioChunkPayload{
		SessionID:    "s1",
		AudioDataB64: toneB64(300 * time.Millisecond),
		TSClient:     42,
	})

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first inbound
	if err := c.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first.Event != models.EventAudioAcknowledged {
		t.Fatalf("expected audio_acknowledged first, got %s", first.Event)
	}
	var received models.AudioAcknowledged
	_ = json.Unmarshal(first.Data, &received)
	if received.SessionID != "s1" || received.TSClient != 42 {
		t.Errorf("unexpected audio_acknowledged: %+v", received)
	}

	var ack models.Ack
	if err := json.Unmarshal(readUntil(t, c, models.EventAck).Data, &ack); err != nil {
		t.Fatal(err)
	}
	if !ack.OK || ack.Seq != 1 {
		t.Errorf("unexpected ack: %+v", ack)
	}

	sendEvent(t, c, models.EventEndOfStream, models.EndOfStreamPayload{SessionID: "s1"})
	var ended models.StreamEnded
	if err := json.Unmarshal(readUntil(t, c, models.EventStreamEnded).Data, &ended); err != nil {
		t.Fatal(err)
	}
	if ended.SessionID != "s1" || ended.FinalStats.Submissions != 1 {
		t.Errorf("unexpected stream_ended: %+v", ended)
	}

	sendEvent(t, c, models.EventEndOfStream, models.EndOfStreamPayload{SessionID: "s1"})
	if ev := readError(t, c); ev.Type != models.ErrSessionNotJoined {
		t.Errorf("expected session_not_joined on second end, got %s", ev.Type)
	}
}

func TestHandler_RejectsInvalidPayloads(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv)

	tests := []struct {
		name  string
		event string
		data  any
		want  models.ErrorKind
	}{
		{"join without id", models.EventJoinSession, map[string]any{}, models.ErrMissingSessionID},
		{"audio without session", models.EventAudioChunk, map[string]any{"audio_data_b64": "AAAA"}, models.ErrSessionNotJoined},
		{"audio bad base64", models.EventAudioChunk, map[string]any{"session_id": "s1", "audio_data_b64": "%%%"}, models.ErrAudioDecode},
		{"audio unjoined", models.EventAudioChunk, map[string]any{"session_id": "ghost", "audio_data_b64": "AAAA"}, models.ErrSessionNotJoined},
		{"end unjoined", models.EventEndOfStream, map[string]any{"session_id": "ghost"}, models.ErrSessionNotJoined},
		{"unknown event", "dance", map[string]any{}, models.ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendEvent(t, c, tt.event, tt.data)
			ev := readError(t, c)
			if ev.Type != tt.want {
				t.Errorf("expected %s, got %s (%s)", tt.want, ev.Type, ev.Message)
			}
			if ev.Hint == "" || ev.Timestamp == 0 {
				t.Errorf("expected hint and timestamp, got %+v", ev)
			}
		})
	}
}

func TestHandler_DisconnectEndsSessions(t *testing.T) {
	srv, svc := newTestServer(t)
	c := dial(t, srv)

	sendEvent(t, c, models.EventJoinSession, models.JoinSessionPayload{SessionID: "s1"})
	readUntil(t, c, models.EventJoinedSession)
	if svc.Status().Sessions != 1 {
		t.Fatal("expected a live session")
	}

	_ = c.Close()

	deadline := time.Now().Add(5 * time.Second)
	for svc.Status().Sessions != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected disconnect to end the session")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandler_OversizedAudioKeepsConnection(t *testing.T) {
	small := DefaultConfig()
	small.ReadLimit = 64 * 1024

	tests := []struct {
		name string
		cfg  Config
	}{
		// 400KB of base64 passes the frame limit and hits the payload ceiling.
		{"above payload ceiling", DefaultConfig()},
		// The same frame is cut off by the transport before it is parsed.
		{"above frame limit", small},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServerWith(t, tt.cfg)
			c := dial(t, srv)

			sendEvent(t, c, models.EventJoinSession, models.JoinSessionPayload{SessionID: "s1"})
			readUntil(t, c, models.EventJoinedSession)

			sendEvent(t, c, models.EventAudioChunk, models.AudioChunkPayload{
				SessionID:    "s1",
				AudioDataB64: strings.Repeat("A", 400*1024),
			})

			var received models.AudioAcknowledged
			if err := json.Unmarshal(readUntil(t, c, models.EventAudioAcknowledged).Data, &received); err != nil {
				t.Fatal(err)
			}
			if received.SessionID != "s1" {
				t.Errorf("expected receipt for s1, got %+v", received)
			}
			if e := readError(t, c); e.Type != models.ErrAudioDecode || e.SessionID != "s1" {
				t.Errorf("expected audio_decode_error for s1, got %+v", e)
			}

			// The connection and its session survive.
			sendEvent(t, c, models.EventAudioChunk, models.AudioChunkPayload{
				SessionID:    "s1",
				AudioDataB64: toneB64(100 * time.Millisecond),
			})
			var ack models.Ack
			if err := json.Unmarshal(readUntil(t, c, models.EventAck).Data, &ack); err != nil {
				t.Fatal(err)
			}
			if !ack.OK || ack.Seq != 1 {
				t.Errorf("expected first accepted submission, got %+v", ack)
			}
		})
	}
}

func TestSniffEnvelope(t *testing.T) {
	tests := []struct {
		name      string
		prefix    string
		event     string
		sessionID string
	}{
		{"audio cut in payload", `{"event":"audio_chunk","data":{"session_id":"s1","audio_data_b64":"AAAA`, "audio_chunk", "s1"},
		{"session id cut", `{"event":"audio_chunk","data":{"session_id":"s`, "audio_chunk", ""},
		{"data before event", `{"data":{"ts_client":5,"session_id":"s2"},"event":"join_session"}`, "join_session", "s2"},
		{"not an object", `["audio_chunk"`, "", ""},
		{"garbage", `\x00\x01`, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, sessionID := sniffEnvelope([]byte(tt.prefix))
			if event != tt.event || sessionID != tt.sessionID {
				t.Errorf("sniffEnvelope() = %q, %q; want %q, %q", event, sessionID, tt.event, tt.sessionID)
			}
		})
	}
}
