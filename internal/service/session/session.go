package session

import (
	"context"
	"sync"
	"time"

	"live-transcription-service/internal/models"
)

// Sink delivers server events to the connection that owns a session.
type Sink interface {
	Send(ev models.ServerEvent) error
}

// rmsWindow is the number of client RMS readings kept for the energy variance.
const rmsWindow = 32

// Session is one joined transcription session.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	JOINED → STREAMING → ENDED
//	  │                    ▲
//	  └────────────────────┘  (end without audio)
type Session struct {
	ID          string
	OwnerConnID string
	SampleRate  int
	JoinedAt    time.Time
	Sink        Sink

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	submissions  int64
	chunks       int64
	dropped      int64
	results      int64
	failures     int64
	silent       int64
	interim      int64
	finals       int64
	rms          []float64

	inflight int
	changed  chan struct{} // closed and replaced whenever inflight decreases

	deliverMu sync.Mutex // serializes transcript delivery
	sealed    bool
}

// New creates a session in JOINED state.
func New(id, connID string, sampleRate int, sink Sink, now time.Time) *Session {
	return &Session{
		ID:           id,
		OwnerConnID:  connID,
		SampleRate:   sampleRate,
		JoinedAt:     now,
		Sink:         sink,
		state:        StateJoined,
		lastActivity: now,
		changed:      make(chan struct{}),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OwnedBy reports whether connID owns the session.
func (s *Session) OwnedBy(connID string) bool {
	return s.OwnerConnID == connID
}

// BeginSubmission validates that audio is accepted, moves the session to
// STREAMING and returns the submission sequence number.
func (s *Session) BeginSubmission(now time.Time) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.AcceptsAudio() {
		return 0, ErrSessionEnded
	}
	s.state = StateStreaming
	s.lastActivity = now
	s.submissions++
	return uint64(s.submissions), nil
}

// End transitions the session to ENDED. It returns false if the session had
// already ended, so exactly one caller performs the teardown.
func (s *Session) End() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() {
		return false
	}
	s.state = StateEnded
	return true
}

// LastActivity returns the time of the last accepted submission or join.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Acquire registers n chunks handed to the worker pool.
func (s *Session) Acquire(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight += n
	s.chunks += int64(n)
}

// Release marks one in-flight chunk as resolved.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == 0 {
		return
	}
	s.inflight--
	close(s.changed)
	s.changed = make(chan struct{})
}

// InFlight returns the number of unresolved chunks.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// WaitIdle blocks until no chunk is in flight or ctx is done. It reports
// whether the session drained.
func (s *Session) WaitIdle(ctx context.Context) bool {
	for {
		s.mu.Lock()
		if s.inflight == 0 {
			s.mu.Unlock()
			return true
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

// Deliver runs fn under the session's delivery lock. It returns false
// without running fn once the session is sealed.
func (s *Session) Deliver(fn func()) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.sealed {
		return false
	}
	fn()
	return true
}

// Seal runs fn under the delivery lock and rejects every later Deliver.
func (s *Session) Seal(fn func()) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.sealed = true
	fn()
}

// RecordDrop counts a chunk rejected by the worker queue.
func (s *Session) RecordDrop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped++
}

// RecordResult counts a terminal chunk result.
func (s *Session) RecordResult(r models.TranscriptionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results++
	switch {
	case r.Skipped:
		s.silent++
	case r.Failed():
		s.failures++
	}
}

// RecordEmission counts a transcript sent to the client.
func (s *Session) RecordEmission(final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if final {
		s.finals++
	} else {
		s.interim++
	}
}

// ObserveRMS records a client-reported RMS level.
func (s *Session) ObserveRMS(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rms = append(s.rms, v)
	if len(s.rms) > rmsWindow {
		s.rms = s.rms[len(s.rms)-rmsWindow:]
	}
}

// EnergyVariance returns the variance of the recent client RMS readings.
func (s *Session) EnergyVariance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.rms)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, v := range s.rms {
		sum += v
	}
	mean := sum / float64(n)
	var variance float64
	for _, v := range s.rms {
		variance += (v - mean) * (v - mean)
	}
	return variance / float64(n)
}

// Stats summarizes the session for stream_ended.
func (s *Session) Stats(now time.Time) models.FinalStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := now.Sub(s.JoinedAt)
	if d < 0 {
		d = 0
	}
	return models.FinalStats{
		DurationMs:     d.Milliseconds(),
		Submissions:    s.submissions,
		Chunks:         s.chunks,
		ChunksDropped:  s.dropped,
		Results:        s.results,
		Failures:       s.failures,
		SilentChunks:   s.silent,
		InterimEmitted: s.interim,
		FinalEmitted:   s.finals,
		PendingAtEnd:   int64(s.inflight),
	}
}
