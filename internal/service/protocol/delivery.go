package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/service/session"
	"live-transcription-service/internal/service/stabilizer"
)

// HandleResult receives worker results. Failures are reported to the client
// as non-fatal error events; successes go through the stabilizer.
func (p *Service) HandleResult(r models.TranscriptionResult) {
	s, err := p.registry.Get(r.SessionID)
	if err != nil || r.CapturedAt.Before(s.JoinedAt) {
		// Session ended, or the result belongs to a record replaced by a rejoin.
		p.logger.Debug().
			Str("sessionId", r.SessionID).
			Str("chunkId", r.ChunkID).
			Msg("Discarding result for unknown session")
		return
	}
	defer s.Release()

	s.RecordResult(r)

	delivered := s.Deliver(func() {
		if r.Failed() {
			p.send(s, models.EventError, models.ErrorEvent{
				Type:      r.ErrorKind,
				Message:   fmt.Sprintf("chunk %d: %v", r.SequenceNumber, r.Err),
				Hint:      r.ErrorKind.Hint(),
				SessionID: s.ID,
				Timestamp: p.now().UnixMilli(),
			})
			return
		}
		if em, ok := p.stabilizer.Ingest(r); ok {
			p.deliver(s, em)
		}
	})
	if !delivered {
		p.logger.Debug().
			Str("sessionId", r.SessionID).
			Str("chunkId", r.ChunkID).
			Msg("Result arrived after session was finalized")
	}
}

// Run flushes overdue stabilizer candidates and reaps idle sessions until
// ctx is cancelled.
func (p *Service) Run(ctx context.Context) {
	flush := time.NewTicker(p.cfg.FlushInterval)
	defer flush.Stop()
	reap := time.NewTicker(p.cfg.ReapInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-flush.C:
			p.FlushDue(now)
		case now := <-reap.C:
			p.ReapIdle(ctx, now)
		}
	}
}

// FlushDue delivers candidates held longer than the stabilizer's max delay.
func (p *Service) FlushDue(now time.Time) {
	for _, em := range p.stabilizer.FlushDue(now) {
		s, err := p.registry.Get(em.SessionID)
		if err != nil {
			continue
		}
		s.Deliver(func() { p.deliver(s, em) })
	}
}

// ReapIdle ends sessions without activity for the idle timeout.
func (p *Service) ReapIdle(ctx context.Context, now time.Time) {
	idle := p.registry.IdleSince(now.Add(-p.cfg.IdleTimeout))
	if len(idle) == 0 {
		return
	}
	p.logger.Info().Int("sessions", len(idle)).Msg("Reaping idle sessions")
	p.endAll(ctx, idle, ReasonIdle)
}

// deliver sends an emission to the client and publishes it.
func (p *Service) deliver(s *session.Session, em stabilizer.Emission) {
	event := models.EventInterimTranscript
	if em.IsFinal {
		event = models.EventFinalTranscript
	}
	p.send(s, event, models.Transcript{
		SessionID:  s.ID,
		ChunkID:    em.ChunkID,
		Sequence:   em.Sequence,
		Text:       em.Text,
		Confidence: em.Confidence,
		Stability:  em.Stability,
		IsFinal:    em.IsFinal,
		LatencyMs:  em.LatencyMs,
		Timestamp:  em.EmittedAt.UnixMilli(),
	})
	s.RecordEmission(em.IsFinal)

	if p.outbox == nil || (!em.IsFinal && !p.cfg.PublishInterim) {
		return
	}

	// Enqueue only; the queue goroutine talks to the broker.
	ctx := context.Background()
	var err error
	if em.IsFinal {
		err = p.outbox.PublishFinal(ctx, models.TranscriptFinal{
			EventType:     models.EventTypeTranscriptFinal,
			SessionID:     s.ID,
			ChunkID:       em.ChunkID,
			Sequence:      em.Sequence,
			Timestamp:     em.EmittedAt.UnixMilli(),
			Text:          em.Text,
			Confidence:    em.Confidence,
			Stability:     em.Stability,
			AudioOffsetMs: audioOffset(s, em),
			LatencyMs:     em.LatencyMs,
		})
	} else {
		err = p.outbox.PublishPartial(ctx, models.TranscriptPartial{
			EventType:  models.EventTypeTranscriptPartial,
			SessionID:  s.ID,
			ChunkID:    em.ChunkID,
			Sequence:   em.Sequence,
			Timestamp:  em.EmittedAt.UnixMilli(),
			Text:       em.Text,
			Confidence: em.Confidence,
		})
	}
	if err != nil {
		p.logger.Debug().Err(err).Str("sessionId", s.ID).Bool("final", em.IsFinal).Msg("Transcript not queued for publishing")
	}
}

func (p *Service) send(s *session.Session, event string, data any) {
	if s.Sink == nil {
		return
	}
	if err := s.Sink.Send(models.ServerEvent{Event: event, Data: data}); err != nil {
		p.logger.Debug().
			Err(err).
			Str("sessionId", s.ID).
			Str("event", event).
			Msg("Failed to send event")
	}
}

func audioOffset(s *session.Session, em stabilizer.Emission) int64 {
	if em.CapturedAt.IsZero() || em.CapturedAt.Before(s.JoinedAt) {
		return 0
	}
	return em.CapturedAt.Sub(s.JoinedAt).Milliseconds()
}

// ErrorEvent converts an error returned by the service into its wire form.
// Errors that are not protocol errors are reported as internal_error.
func ErrorEvent(err error, sessionID string, now time.Time) models.ErrorEvent {
	var pe *models.ProtocolError
	if !errors.As(err, &pe) {
		pe = models.NewProtocolError(models.ErrInternal, "internal error").WithCause(err)
	}
	return models.ErrorEvent{
		Type:      pe.Kind,
		Message:   pe.Message,
		Hint:      pe.Hint(),
		SessionID: sessionID,
		Timestamp: now.UnixMilli(),
	}
}
