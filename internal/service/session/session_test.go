package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"live-transcription-service/internal/models"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateUnjoined, "UNJOINED"},
		{StateJoined, "JOINED"},
		{StateStreaming, "STREAMING"},
		{StateEnded, "ENDED"},
		{State(99), "UNKNOWN(99)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.expected)
		}
	}
}

func TestSession_InitialState(t *testing.T) {
	now := time.Now()
	s := New("s1", "conn-1", 16000, nil, now)

	if s.State() != StateJoined {
		t.Errorf("expected StateJoined, got %v", s.State())
	}
	if !s.OwnedBy("conn-1") || s.OwnedBy("conn-2") {
		t.Error("unexpected ownership")
	}
	if !s.LastActivity().Equal(now) {
		t.Error("expected join to count as activity")
	}
}

func TestSession_BeginSubmission(t *testing.T) {
	start := time.Now()
	s := New("s1", "conn-1", 16000, nil, start)

	for i := uint64(1); i <= 3; i++ {
		seq, err := s.BeginSubmission(start.Add(time.Duration(i) * time.Second))
		if err != nil {
			t.Fatalf("submission %d: unexpected error: %v", i, err)
		}
		if seq != i {
			t.Errorf("expected seq %d, got %d", i, seq)
		}
	}
	if s.State() != StateStreaming {
		t.Errorf("expected StateStreaming, got %v", s.State())
	}
	if !s.LastActivity().Equal(start.Add(3 * time.Second)) {
		t.Errorf("expected last activity to advance, got %v", s.LastActivity())
	}
}

func TestSession_EndIsTerminal(t *testing.T) {
	s := New("s1", "conn-1", 16000, nil, time.Now())

	if !s.End() {
		t.Fatal("expected first End to succeed")
	}
	if s.End() {
		t.Error("expected second End to report already ended")
	}
	if s.State() != StateEnded {
		t.Errorf("expected StateEnded, got %v", s.State())
	}
	if _, err := s.BeginSubmission(time.Now()); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("expected ErrSessionEnded, got %v", err)
	}
}

func TestSession_WaitIdle(t *testing.T) {
	s := New("s1", "conn-1", 16000, nil, time.Now())
	s.Acquire(2)

	done := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- s.WaitIdle(ctx)
	}()

	s.Release()
	select {
	case <-done:
		t.Fatal("WaitIdle returned with a chunk still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	s.Release()
	select {
	case ok := <-done:
		if !ok {
			t.Error("expected WaitIdle to report drained")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitIdle did not return after the last release")
	}
}

func TestSession_WaitIdleTimeout(t *testing.T) {
	s := New("s1", "conn-1", 16000, nil, time.Now())
	s.Acquire(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if s.WaitIdle(ctx) {
		t.Error("expected WaitIdle to give up at the deadline")
	}
	if s.InFlight() != 1 {
		t.Errorf("expected 1 in flight, got %d", s.InFlight())
	}

	// Extra releases are ignored.
	s.Release()
	s.Release()
	if s.InFlight() != 0 {
		t.Errorf("expected 0 in flight, got %d", s.InFlight())
	}
}

func TestSession_Stats(t *testing.T) {
	start := time.Now()
	s := New("s1", "conn-1", 16000, nil, start)

	s.BeginSubmission(start)
	s.Acquire(4)
	s.RecordDrop()
	s.RecordResult(models.TranscriptionResult{Text: "hi"})
	s.RecordResult(models.TranscriptionResult{Skipped: true})
	s.RecordResult(models.TranscriptionResult{Err: errors.New("boom"), ErrorKind: models.ErrCircuitOpen})
	s.Release()
	s.Release()
	s.Release()
	s.RecordEmission(false)
	s.RecordEmission(true)

	st := s.Stats(start.Add(1500 * time.Millisecond))
	want := models.FinalStats{
		DurationMs:     1500,
		Submissions:    1,
		Chunks:         4,
		ChunksDropped:  1,
		Results:        3,
		Failures:       1,
		SilentChunks:   1,
		InterimEmitted: 1,
		FinalEmitted:   1,
		PendingAtEnd:   1,
	}
	if st != want {
		t.Errorf("Stats() = %+v, want %+v", st, want)
	}
}

func TestSession_EnergyVariance(t *testing.T) {
	s := New("s1", "conn-1", 16000, nil, time.Now())
	if s.EnergyVariance() != 0 {
		t.Error("expected zero variance without readings")
	}

	for i := 0; i < 100; i++ {
		s.ObserveRMS(0.1)
	}
	if v := s.EnergyVariance(); v > 1e-12 {
		t.Errorf("expected ~0 variance for a constant level, got %f", v)
	}

	for i := 0; i < rmsWindow; i++ {
		if i%2 == 0 {
			s.ObserveRMS(0)
		} else {
			s.ObserveRMS(0.4)
		}
	}
	if v := s.EnergyVariance(); v < 0.0399 || v > 0.0401 {
		t.Errorf("expected variance 0.04 over the window, got %f", v)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	if _, err := r.Get("s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	old := New("s1", "conn-1", 16000, nil, now.Add(-time.Hour))
	if prev := r.Put(old); prev != nil {
		t.Error("expected no previous record")
	}
	r.Put(New("s2", "conn-1", 16000, nil, now))
	r.Put(New("s3", "conn-2", 16000, nil, now))

	if got := r.ByConnection("conn-1"); len(got) != 2 {
		t.Errorf("expected 2 sessions for conn-1, got %d", len(got))
	}
	if got := r.IdleSince(now.Add(-time.Minute)); len(got) != 1 || got[0] != old {
		t.Errorf("expected only the old session to be idle, got %v", got)
	}

	fresh := New("s1", "conn-3", 16000, nil, now)
	if prev := r.Put(fresh); prev != old {
		t.Error("expected rejoin to return the replaced record")
	}
	if r.Delete(old) {
		t.Error("expected stale record delete to be a no-op")
	}
	if got, _ := r.Get("s1"); got != fresh {
		t.Error("expected the fresh record to remain")
	}
	if !r.Delete(fresh) || r.Len() != 2 {
		t.Errorf("expected delete to remove the record, len=%d", r.Len())
	}
}

func TestDeliver_RejectedAfterSeal(t *testing.T) {
	s := New("s1", "conn-1", 16000, nil, time.Now())

	var ran []string
	if !s.Deliver(func() { ran = append(ran, "interim") }) {
		t.Fatal("expected delivery before seal")
	}
	s.Seal(func() { ran = append(ran, "final") })
	if s.Deliver(func() { ran = append(ran, "late") }) {
		t.Error("expected delivery after seal to be rejected")
	}

	if len(ran) != 2 || ran[0] != "interim" || ran[1] != "final" {
		t.Errorf("unexpected delivery order: %v", ran)
	}
}
