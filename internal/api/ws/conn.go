package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"live-transcription-service/internal/models"
)

var (
	// ErrConnClosed is returned by Send once the connection is closing.
	ErrConnClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned by Send when the outbound buffer is full.
	ErrSlowConsumer = errors.New("outbound buffer full")
)

// conn is one client connection. It is the session sink for every session
// the client joins; all writes go through a single writer goroutine.
type conn struct {
	id     string
	ws     *websocket.Conn
	cfg    Config
	logger zerolog.Logger

	out        chan models.ServerEvent
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

func newConn(id string, ws *websocket.Conn, cfg Config, logger zerolog.Logger) *conn {
	return &conn{
		id:         id,
		ws:         ws,
		cfg:        cfg,
		logger:     logger,
		out:        make(chan models.ServerEvent, cfg.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Send queues an event without blocking.
func (c *conn) Send(ev models.ServerEvent) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- ev:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSlowConsumer
	}
}

// close stops the writer after it flushes what is already queued.
func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *conn) writeLoop() {
	defer close(c.writerDone)

	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case ev := <-c.out:
			if err := c.write(ev); err != nil {
				c.logger.Debug().Err(err).Str("event", ev.Event).Msg("Write failed, closing connection")
				c.close()
				_ = c.ws.Close()
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			c.flush()
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// flush writes events still buffered when the connection closes.
func (c *conn) flush() {
	for {
		select {
		case ev := <-c.out:
			if err := c.write(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(ev models.ServerEvent) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(ev)
}
