// Package stabilizer buffers transcription results per session and decides
// when a transcript is confident or stable enough to send to the client.
package stabilizer

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
)

// Config holds the emission thresholds.
type Config struct {
	HighConfidence     float64       // emit immediately at or above this confidence
	StabilityThreshold float64       // emit when 1-variance(history) exceeds this
	MinObservations    int           // history length required for the stability rule
	MaxDelay           time.Duration // flush the best candidate after this long without an emission
	DuplicateWindow    time.Duration // suppress identical text emitted within this window
	MaxEntries         int           // buffered candidates across all sessions
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		HighConfidence:     0.8,
		StabilityThreshold: 0.9,
		MinObservations:    2,
		MaxDelay:           200 * time.Millisecond,
		DuplicateWindow:    time.Second,
		MaxEntries:         1000,
	}
}

// Trigger names the rule that caused an emission.
type Trigger string

const (
	TriggerFinal      Trigger = "final"
	TriggerConfidence Trigger = "confidence"
	TriggerStability  Trigger = "stability"
	TriggerTimeout    Trigger = "timeout"
	TriggerFinalize   Trigger = "finalize"
)

// Emission is a transcript ready for delivery.
type Emission struct {
	SessionID  string
	ChunkID    string
	Sequence   uint64
	Text       string
	Confidence float64
	Stability  float64
	IsFinal    bool
	Trigger    Trigger
	CapturedAt time.Time
	EmittedAt  time.Time
	LatencyMs  int64
}

// Stats is a snapshot of stabilizer counters.
type Stats struct {
	Sessions   int    `json:"sessions"`
	Entries    int    `json:"entries"`
	Interim    uint64 `json:"interim"`
	Final      uint64 `json:"final"`
	Duplicates uint64 `json:"duplicates"`
	Stale      uint64 `json:"stale"`
	Evicted    uint64 `json:"evicted"`
}

type candidate struct {
	text        string
	confidences []float64
	chunkID     string
	seq         uint64
	capturedAt  time.Time
	order       uint64
}

type emitted struct {
	at    time.Time
	final bool
}

type sessionBuffer struct {
	candidates      map[string]*candidate
	recent          map[string]emitted
	lastEmitAt      time.Time
	lastEmitCapture time.Time
	lastInterim     *Emission
}

// Stabilizer gates results into interim and final emissions.
type Stabilizer struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionBuffer
	entries  int
	order    uint64
	stats    Stats
}

// New creates a stabilizer.
func New(cfg Config) *Stabilizer {
	def := DefaultConfig()
	if cfg.HighConfidence <= 0 {
		cfg.HighConfidence = def.HighConfidence
	}
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = def.StabilityThreshold
	}
	if cfg.MinObservations <= 0 {
		cfg.MinObservations = def.MinObservations
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = def.DuplicateWindow
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	return &Stabilizer{
		cfg:      cfg,
		metrics:  metrics.DefaultMetrics,
		logger:   logging.WithComponent("stabilizer"),
		now:      time.Now,
		sessions: make(map[string]*sessionBuffer),
	}
}

// Ingest buffers a result and returns an emission when one of the rules
// fires. Failed, skipped and empty results are ignored.
func (s *Stabilizer) Ingest(r models.TranscriptionResult) (Emission, bool) {
	text := normalizeText(r.Text)
	if r.Failed() || r.Skipped || text == "" {
		return Emission{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sb := s.session(r.SessionID, now)
	s.pruneRecent(sb, now)

	if !r.IsFinal && !sb.lastEmitCapture.IsZero() && r.CapturedAt.Before(sb.lastEmitCapture) {
		s.stats.Stale++
		s.metrics.RecordStaleDropped()
		s.logger.Debug().
			Str("sessionId", r.SessionID).
			Str("chunkId", r.ChunkID).
			Msg("Dropped result superseded by a later emission")
		return Emission{}, false
	}

	c := s.observe(sb, text, r)

	switch {
	case r.IsFinal:
		return s.emit(r.SessionID, sb, c, true, TriggerFinal, now)
	case r.Confidence >= s.cfg.HighConfidence:
		return s.emit(r.SessionID, sb, c, false, TriggerConfidence, now)
	case len(c.confidences) >= s.cfg.MinObservations && stability(c.confidences) > s.cfg.StabilityThreshold:
		return s.emit(r.SessionID, sb, c, false, TriggerStability, now)
	case now.Sub(sb.lastEmitAt) >= s.cfg.MaxDelay:
		return s.emit(r.SessionID, sb, s.best(sb), false, TriggerTimeout, now)
	}
	return Emission{}, false
}

// FlushDue emits the best buffered candidate of every session whose last
// emission is older than MaxDelay.
func (s *Stabilizer) FlushDue(now time.Time) []Emission {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Emission
	for id, sb := range s.sessions {
		if len(sb.candidates) == 0 || now.Sub(sb.lastEmitAt) < s.cfg.MaxDelay {
			continue
		}
		s.pruneRecent(sb, now)
		if em, ok := s.emit(id, sb, s.best(sb), false, TriggerTimeout, now); ok {
			out = append(out, em)
		}
	}
	return out
}

// FinalizeSession flushes the session as final and forgets it. The best
// buffered candidate is emitted as final; with nothing buffered, the last
// interim emission is promoted to final.
func (s *Stabilizer) FinalizeSession(sessionID string) (Emission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sb, ok := s.sessions[sessionID]
	if !ok {
		return Emission{}, false
	}
	defer s.drop(sessionID, sb)

	now := s.now()
	s.pruneRecent(sb, now)
	if c := s.best(sb); c != nil {
		return s.emit(sessionID, sb, c, true, TriggerFinalize, now)
	}
	if sb.lastInterim == nil {
		return Emission{}, false
	}

	em := *sb.lastInterim
	em.IsFinal = true
	em.Trigger = TriggerFinalize
	em.EmittedAt = now
	em.LatencyMs = latencyMs(em.CapturedAt, now)
	s.record(em)
	return em, true
}

// Remove drops all buffered state of a session without emitting.
func (s *Stabilizer) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sb, ok := s.sessions[sessionID]; ok {
		s.drop(sessionID, sb)
	}
}

// Stats returns a snapshot of the counters.
func (s *Stabilizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Sessions = len(s.sessions)
	st.Entries = s.entries
	return st
}

func (s *Stabilizer) session(id string, now time.Time) *sessionBuffer {
	sb, ok := s.sessions[id]
	if !ok {
		sb = &sessionBuffer{
			candidates: make(map[string]*candidate),
			recent:     make(map[string]emitted),
			lastEmitAt: now,
		}
		s.sessions[id] = sb
	}
	return sb
}

func (s *Stabilizer) observe(sb *sessionBuffer, text string, r models.TranscriptionResult) *candidate {
	c, ok := sb.candidates[text]
	if !ok {
		if s.entries >= s.cfg.MaxEntries {
			s.evictOldest()
		}
		s.order++
		c = &candidate{text: text, order: s.order}
		sb.candidates[text] = c
		s.entries++
	}
	c.confidences = append(c.confidences, r.Confidence)
	if c.chunkID == "" || r.CapturedAt.After(c.capturedAt) || r.SequenceNumber > c.seq {
		c.chunkID = r.ChunkID
		c.seq = r.SequenceNumber
		c.capturedAt = r.CapturedAt
	}
	return c
}

// emit turns a candidate into an emission, applying duplicate suppression.
// The session's candidate buffer is cleared either way.
func (s *Stabilizer) emit(sessionID string, sb *sessionBuffer, c *candidate, final bool, trigger Trigger, now time.Time) (Emission, bool) {
	if c == nil {
		return Emission{}, false
	}
	s.clearCandidates(sb)

	if prev, ok := sb.recent[c.text]; ok && now.Sub(prev.at) < s.cfg.DuplicateWindow {
		// A final for text already sent as interim still goes out.
		if !final || prev.final {
			s.stats.Duplicates++
			s.metrics.RecordDuplicateSuppressed()
			s.logger.Debug().
				Str("sessionId", sessionID).
				Str("text", c.text).
				Bool("final", final).
				Msg("Suppressed duplicate transcript")
			return Emission{}, false
		}
	}

	em := Emission{
		SessionID:  sessionID,
		ChunkID:    c.chunkID,
		Sequence:   c.seq,
		Text:       c.text,
		Confidence: mean(c.confidences),
		Stability:  stability(c.confidences),
		IsFinal:    final,
		Trigger:    trigger,
		CapturedAt: c.capturedAt,
		EmittedAt:  now,
		LatencyMs:  latencyMs(c.capturedAt, now),
	}

	sb.recent[c.text] = emitted{at: now, final: final}
	sb.lastEmitAt = now
	if c.capturedAt.After(sb.lastEmitCapture) {
		sb.lastEmitCapture = c.capturedAt
	}
	if final {
		sb.lastInterim = nil
	} else {
		interim := em
		sb.lastInterim = &interim
	}
	s.record(em)
	return em, true
}

func (s *Stabilizer) record(em Emission) {
	if em.IsFinal {
		s.stats.Final++
	} else {
		s.stats.Interim++
	}
	s.metrics.RecordEmission(em.IsFinal, string(em.Trigger), float64(em.LatencyMs)/1000)
}

// best returns the candidate with the highest 0.7*confidence + 0.3*stability.
func (s *Stabilizer) best(sb *sessionBuffer) *candidate {
	var (
		top   *candidate
		score = -1.0
	)
	for _, c := range sb.candidates {
		sc := 0.7*mean(c.confidences) + 0.3*stability(c.confidences)
		if sc > score || (sc == score && c.order > top.order) {
			top, score = c, sc
		}
	}
	return top
}

func (s *Stabilizer) evictOldest() {
	var (
		oldestSB  *sessionBuffer
		oldestKey string
		oldest    uint64 = math.MaxUint64
	)
	for _, sb := range s.sessions {
		for k, c := range sb.candidates {
			if c.order < oldest {
				oldestSB, oldestKey, oldest = sb, k, c.order
			}
		}
	}
	if oldestSB != nil {
		delete(oldestSB.candidates, oldestKey)
		s.entries--
		s.stats.Evicted++
	}
}

func (s *Stabilizer) clearCandidates(sb *sessionBuffer) {
	s.entries -= len(sb.candidates)
	sb.candidates = make(map[string]*candidate)
}

func (s *Stabilizer) drop(id string, sb *sessionBuffer) {
	s.clearCandidates(sb)
	delete(s.sessions, id)
}

func (s *Stabilizer) pruneRecent(sb *sessionBuffer, now time.Time) {
	for k, e := range sb.recent {
		if now.Sub(e.at) >= s.cfg.DuplicateWindow {
			delete(sb.recent, k)
		}
	}
}

// stability is 1 - variance of the observed confidences. A single
// observation carries no stability evidence and scores 0.
func stability(confs []float64) float64 {
	if len(confs) < 2 {
		return 0
	}
	m := mean(confs)
	var v float64
	for _, c := range confs {
		v += (c - m) * (c - m)
	}
	v /= float64(len(confs))
	return math.Max(0, 1-v)
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func latencyMs(captured, now time.Time) int64 {
	if captured.IsZero() {
		return 0
	}
	return now.Sub(captured).Milliseconds()
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
