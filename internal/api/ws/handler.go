// Package ws adapts the session protocol to WebSocket connections. Each
// inbound frame is a JSON envelope {event, data}; payloads are validated
// here and protocol errors are mapped to error events.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/schema"
	"live-transcription-service/internal/service/protocol"
	"live-transcription-service/internal/service/session"
)

// Protocol is the session protocol served over a connection.
type Protocol interface {
	Join(connID string, req models.JoinSessionPayload, sink session.Sink) (models.JoinedSession, error)
	SubmitAudio(ctx context.Context, connID string, req models.AudioChunkPayload) (models.Ack, error)
	End(ctx context.Context, connID, sessionID string) (models.StreamEnded, error)
	Disconnect(ctx context.Context, connID string)
}

// Config holds transport settings.
type Config struct {
	ReadLimit    int64 // frames above this are discarded, not parsed
	SendBuffer   int   // queued outbound events per connection
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	CheckOrigin  func(r *http.Request) bool
}

// DefaultConfig returns transport defaults. The frame limit sits well above
// the protocol's 256KB payload ceiling so oversized audio is usually
// rejected by the protocol with full session context.
func DefaultConfig() Config {
	return Config{
		ReadLimit:    1024 * 1024,
		SendBuffer:   256,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
	}
}

// Handler upgrades HTTP requests and serves the protocol on them.
type Handler struct {
	cfg       Config
	proto     Protocol
	validator *schema.Validator
	upgrader  websocket.Upgrader
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewHandler creates a WebSocket handler.
func NewHandler(cfg Config, proto Protocol, validator *schema.Validator) *Handler {
	def := DefaultConfig()
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	if validator == nil {
		validator = schema.New()
	}

	return &Handler{
		cfg:       cfg,
		proto:     proto,
		validator: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		metrics: metrics.DefaultMetrics,
		logger:  logging.WithComponent("ws"),
		now:     time.Now,
		conns:   make(map[*conn]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the connection until the client
// goes away or the handler is closed.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	id := uuid.NewString()
	log := logging.WithConnection(id)
	c := newConn(id, wsConn, h.cfg, log)

	h.track(c)
	defer h.untrack(c)
	h.metrics.RecordConnectionOpen()
	defer h.metrics.RecordConnectionClose()
	log.Info().Str("remote", r.RemoteAddr).Msg("Connection opened")

	go c.writeLoop()

	h.readLoop(c)

	// Ends every session of the connection; stream_ended is queued on c
	// before the writer stops.
	h.proto.Disconnect(context.Background(), id)
	c.close()
	<-c.writerDone
	_ = wsConn.Close()
	log.Info().Msg("Connection closed")
}

// Close stops every open connection.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.close()
	}
}

func (h *Handler) track(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *Handler) untrack(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

func (h *Handler) readLoop(c *conn) {
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		msg, truncated, err := h.readFrame(c)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("Read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		select {
		case <-c.done:
			return
		default:
		}

		if truncated {
			h.oversized(c, msg)
			continue
		}

		var env models.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			h.reject(c, models.NewProtocolError(models.ErrInternal, "message is not a JSON envelope").WithCause(err), "")
			continue
		}
		h.dispatch(c, env)
	}
}

// readFrame reads one message, keeping at most ReadLimit bytes. The rest of
// a longer frame is drained so the connection stays usable; truncated
// reports that this happened.
func (h *Handler) readFrame(c *conn) (msg []byte, truncated bool, err error) {
	_, r, err := c.ws.NextReader()
	if err != nil {
		return nil, false, err
	}
	msg, err = io.ReadAll(io.LimitReader(r, h.cfg.ReadLimit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(msg)) <= h.cfg.ReadLimit {
		return msg, false, nil
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, true, err
	}
	return msg[:h.cfg.ReadLimit], true, nil
}

// oversized answers a frame that exceeded ReadLimit. Audio frames get the
// usual receipt followed by audio_decode_error.
func (h *Handler) oversized(c *conn, prefix []byte) {
	event, sessionID := sniffEnvelope(prefix)
	c.logger.Warn().
		Str("event", event).
		Str("sessionId", sessionID).
		Int64("limit", h.cfg.ReadLimit).
		Msg("Discarded oversized frame")

	if event != models.EventAudioChunk {
		h.reject(c, models.NewProtocolError(models.ErrInternal, "message exceeds %d bytes", h.cfg.ReadLimit), sessionID)
		return
	}
	h.send(c, models.EventAudioAcknowledged, models.AudioAcknowledged{
		SessionID:  sessionID,
		ReceivedAt: h.now().UnixMilli(),
	})
	h.reject(c, models.NewProtocolError(models.ErrAudioDecode, "audio frame exceeds %d bytes", h.cfg.ReadLimit), sessionID)
}

// sniffEnvelope pulls the event name and data.session_id out of the start of
// a truncated envelope. Fields past the cut are not seen.
func sniffEnvelope(prefix []byte) (event, sessionID string) {
	dec := json.NewDecoder(bytes.NewReader(prefix))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return "", ""
	}
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return event, sessionID
		}
		switch key {
		case "event":
			var v string
			if err := dec.Decode(&v); err != nil {
				return event, sessionID
			}
			event = v
		case "data":
			if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
				return event, sessionID
			}
			for dec.More() {
				field, err := dec.Token()
				if err != nil {
					return event, sessionID
				}
				if field != "session_id" {
					var skip json.RawMessage
					if err := dec.Decode(&skip); err != nil {
						return event, sessionID
					}
					continue
				}
				var v string
				if err := dec.Decode(&v); err != nil {
					return event, sessionID
				}
				sessionID = v
				if event != "" {
					return event, sessionID
				}
			}
			if _, err := dec.Token(); err != nil {
				return event, sessionID
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return event, sessionID
			}
		}
	}
	return event, sessionID
}

func (h *Handler) dispatch(c *conn, env models.Envelope) {
	ctx := context.Background()

	switch env.Event {
	case models.EventJoinSession:
		var req models.JoinSessionPayload
		if err := h.validator.Decode(env.Data, &req); err != nil {
			h.reject(c, joinError(err), req.SessionID)
			return
		}
		joined, err := h.proto.Join(c.id, req, c)
		if err != nil {
			h.sendError(c, err, req.SessionID)
			return
		}
		h.send(c, models.EventJoinedSession, joined)

	case models.EventAudioChunk:
		var req models.AudioChunkPayload
		err := h.validator.Decode(env.Data, &req)
		h.send(c, models.EventAudioAcknowledged, models.AudioAcknowledged{
			SessionID:  req.SessionID,
			ReceivedAt: h.now().UnixMilli(),
			TSClient:   req.TSClient,
		})
		if err != nil {
			h.reject(c, audioError(err), req.SessionID)
			return
		}
		ack, err := h.proto.SubmitAudio(ctx, c.id, req)
		if err != nil {
			h.sendError(c, err, req.SessionID)
			return
		}
		h.send(c, models.EventAck, ack)

	case models.EventEndOfStream:
		var req models.EndOfStreamPayload
		if err := h.validator.Decode(env.Data, &req); err != nil {
			h.reject(c, models.NewProtocolError(models.ErrSessionNotJoined, "session not found").WithCause(err), req.SessionID)
			return
		}
		// stream_ended is sent on the session sink by the protocol.
		if _, err := h.proto.End(ctx, c.id, req.SessionID); err != nil {
			h.sendError(c, err, req.SessionID)
		}

	default:
		h.reject(c, models.NewProtocolError(models.ErrInternal, "unsupported event %q", env.Event), "")
	}
}

// joinError maps a join payload failure to its error kind.
func joinError(err error) *models.ProtocolError {
	var verr *schema.ValidationError
	if errors.As(err, &verr) && !verr.Has("session_id") {
		return models.NewProtocolError(models.ErrInternal, "%s", verr.Error()).WithCause(err)
	}
	return models.NewProtocolError(models.ErrMissingSessionID, "session_id is required").WithCause(err)
}

// audioError maps an audio_chunk payload failure to its error kind.
func audioError(err error) *models.ProtocolError {
	var verr *schema.ValidationError
	switch {
	case errors.Is(err, schema.ErrMalformed):
		return models.NewProtocolError(models.ErrAudioDecode, "malformed audio_chunk payload").WithCause(err)
	case errors.As(err, &verr) && verr.Has("session_id"):
		return models.NewProtocolError(models.ErrSessionNotJoined, "session not joined").WithCause(err)
	case errors.As(err, &verr) && verr.Has("audio_data_b64"):
		return models.NewProtocolError(models.ErrAudioDecode, "invalid base64 audio").WithCause(err)
	default:
		return models.NewProtocolError(models.ErrAudioProcessing, "%s", err.Error()).WithCause(err)
	}
}

func (h *Handler) send(c *conn, event string, data any) {
	if err := c.Send(models.ServerEvent{Event: event, Data: data}); err != nil {
		c.logger.Debug().Err(err).Str("event", event).Msg("Dropped outbound event")
	}
}

// reject reports a payload rejected before it reached the protocol.
func (h *Handler) reject(c *conn, pe *models.ProtocolError, sessionID string) {
	h.metrics.RecordProtocolError(string(pe.Kind))
	h.sendError(c, pe, sessionID)
}

func (h *Handler) sendError(c *conn, err error, sessionID string) {
	ev := protocol.ErrorEvent(err, sessionID, h.now())
	c.logger.Debug().Err(err).Str("type", string(ev.Type)).Msg("Protocol error")
	h.send(c, models.EventError, ev)
}
