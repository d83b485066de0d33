package stabilizer

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"live-transcription-service/internal/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStabilizer(cfg Config) (*Stabilizer, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := New(cfg)
	s.now = clock.now
	return s, clock
}

func result(clock *fakeClock, seq uint64, text string, conf float64) models.TranscriptionResult {
	return models.TranscriptionResult{
		ChunkID:        models.ChunkID("s1", seq),
		SessionID:      "s1",
		SequenceNumber: seq,
		CapturedAt:     clock.t.Add(-50 * time.Millisecond),
		Text:           text,
		Confidence:     conf,
		IsInterim:      true,
	}
}

func TestIngest_EmissionRules(t *testing.T) {
	tests := []struct {
		name    string
		conf    float64
		final   bool
		want    bool
		trigger Trigger
	}{
		{"final chunk", 0.3, true, true, TriggerFinal},
		{"high confidence", 0.85, false, true, TriggerConfidence},
		{"at threshold", 0.8, false, true, TriggerConfidence},
		{"low confidence buffers", 0.5, false, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clock := newTestStabilizer(DefaultConfig())
			r := result(clock, 1, "hello there", tt.conf)
			r.IsFinal = tt.final
			r.IsInterim = !tt.final

			em, ok := s.Ingest(r)
			if ok != tt.want {
				t.Fatalf("expected emit=%v, got %v", tt.want, ok)
			}
			if !ok {
				return
			}
			if em.Trigger != tt.trigger || em.IsFinal != tt.final {
				t.Errorf("unexpected emission: %+v", em)
			}
			if em.Text != "hello there" || em.ChunkID != "s1-chunk-1" || em.Sequence != 1 {
				t.Errorf("emission not correlated: %+v", em)
			}
			if em.LatencyMs != 50 {
				t.Errorf("expected latency from capture time, got %d", em.LatencyMs)
			}
		})
	}
}

func TestIngest_StabilityRule(t *testing.T) {
	s, clock := newTestStabilizer(DefaultConfig())

	if _, ok := s.Ingest(result(clock, 1, "maybe", 0.6)); ok {
		t.Fatal("single low-confidence observation should buffer")
	}
	clock.advance(10 * time.Millisecond)
	em, ok := s.Ingest(result(clock, 2, "maybe", 0.62))
	if !ok {
		t.Fatal("expected emission on repeated stable text")
	}
	if em.Trigger != TriggerStability || em.IsFinal {
		t.Errorf("unexpected emission: %+v", em)
	}
	if em.Stability <= 0.9 {
		t.Errorf("expected stability above threshold, got %f", em.Stability)
	}
	if em.Sequence != 2 {
		t.Errorf("expected latest chunk to be referenced, got %d", em.Sequence)
	}
}

func TestIngest_StabilityBelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StabilityThreshold = 0.99
	s, clock := newTestStabilizer(cfg)

	s.Ingest(result(clock, 1, "swing", 0.1))
	clock.advance(10 * time.Millisecond)
	if _, ok := s.Ingest(result(clock, 2, "swing", 0.7)); ok {
		t.Error("expected unstable confidences to keep buffering")
	}
}

func TestIngest_MaxDelayFlushesBestCandidate(t *testing.T) {
	s, clock := newTestStabilizer(DefaultConfig())

	s.Ingest(result(clock, 1, "low", 0.4))
	clock.advance(50 * time.Millisecond)
	s.Ingest(result(clock, 2, "better", 0.7))
	clock.advance(200 * time.Millisecond)

	em, ok := s.Ingest(result(clock, 3, "worst", 0.2))
	if !ok {
		t.Fatal("expected flush after max delay")
	}
	if em.Trigger != TriggerTimeout || em.Text != "better" {
		t.Errorf("expected best candidate flushed, got %+v", em)
	}
	if st := s.Stats(); st.Entries != 0 {
		t.Errorf("expected buffer cleared on emission, got %d entries", st.Entries)
	}
}

func TestFlushDue(t *testing.T) {
	s, clock := newTestStabilizer(DefaultConfig())

	s.Ingest(result(clock, 1, "pending", 0.5))
	if got := s.FlushDue(clock.t.Add(100 * time.Millisecond)); len(got) != 0 {
		t.Fatalf("expected nothing due yet, got %d", len(got))
	}

	clock.advance(250 * time.Millisecond)
	got := s.FlushDue(clock.t)
	if len(got) != 1 || got[0].Text != "pending" || got[0].Trigger != TriggerTimeout || got[0].IsFinal {
		t.Fatalf("unexpected flush: %+v", got)
	}
	if got := s.FlushDue(clock.t.Add(time.Second)); len(got) != 0 {
		t.Errorf("expected empty buffer after flush, got %d", len(got))
	}
}

func TestIngest_DuplicateSuppression(t *testing.T) {
	s, clock := newTestStabilizer(DefaultConfig())

	if _, ok := s.Ingest(result(clock, 1, "hello world", 0.9)); !ok {
		t.Fatal("expected first emission")
	}

	clock.advance(300 * time.Millisecond)
	if _, ok := s.Ingest(result(clock, 2, "hello  world ", 0.9)); ok {
		t.Error("expected duplicate within window to be suppressed")
	}

	// A final for text previously sent as interim still goes out.
	clock.advance(100 * time.Millisecond)
	r := result(clock, 3, "hello world", 0.9)
	r.IsFinal = true
	em, ok := s.Ingest(r)
	if !ok || !em.IsFinal {
		t.Fatal("expected final to be emitted for text previously sent as interim")
	}

	clock.advance(100 * time.Millisecond)
	r = result(clock, 4, "hello world", 0.9)
	r.IsFinal = true
	if _, ok := s.Ingest(r); ok {
		t.Error("expected repeated final to be suppressed")
	}

	clock.advance(time.Second)
	if _, ok := s.Ingest(result(clock, 5, "hello world", 0.9)); !ok {
		t.Error("expected emission once the duplicate window has passed")
	}

	if st := s.Stats(); st.Duplicates != 2 {
		t.Errorf("expected 2 suppressed duplicates, got %d", st.Duplicates)
	}
}

func TestIngest_DropsStaleResults(t *testing.T) {
	s, clock := newTestStabilizer(DefaultConfig())

	early := result(clock, 1, "early", 0.9)
	clock.advance(100 * time.Millisecond)
	late := result(clock, 2, "late", 0.9)

	// Chunk 2 resolves before chunk 1.
	if _, ok := s.Ingest(late); !ok {
		t.Fatal("expected later chunk to emit")
	}
	if _, ok := s.Ingest(early); ok {
		t.Error("expected superseded interim to be dropped")
	}

	early.IsFinal = true
	if _, ok := s.Ingest(early); !ok {
		t.Error("expected out-of-order final still to be emitted")
	}
	if st := s.Stats(); st.Stale != 1 {
		t.Errorf("expected 1 stale result, got %d", st.Stale)
	}
}

func TestIngest_IgnoresFailedAndEmpty(t *testing.T) {
	s, clock := newTestStabilizer(DefaultConfig())

	failed := result(clock, 1, "x", 0.9)
	failed.Err = errors.New("boom")
	failed.ErrorKind = models.ErrTranscriptionProviderError

	skipped := result(clock, 2, "", 0)
	skipped.Skipped = true

	for _, r := range []models.TranscriptionResult{failed, skipped, result(clock, 3, "   ", 0.9)} {
		if _, ok := s.Ingest(r); ok {
			t.Errorf("expected %+v to be ignored", r)
		}
	}
	if st := s.Stats(); st.Sessions != 0 || st.Entries != 0 {
		t.Errorf("expected no buffered state, got %+v", st)
	}
}

func TestFinalizeSession(t *testing.T) {
	t.Run("flushes best candidate as final", func(t *testing.T) {
		s, clock := newTestStabilizer(DefaultConfig())
		s.Ingest(result(clock, 1, "pending words", 0.5))

		em, ok := s.FinalizeSession("s1")
		if !ok || !em.IsFinal || em.Text != "pending words" || em.Trigger != TriggerFinalize {
			t.Fatalf("unexpected finalize emission: %+v ok=%v", em, ok)
		}
		if st := s.Stats(); st.Sessions != 0 {
			t.Errorf("expected session forgotten, got %d", st.Sessions)
		}
	})

	t.Run("promotes last interim", func(t *testing.T) {
		s, clock := newTestStabilizer(DefaultConfig())
		s.Ingest(result(clock, 1, "said so far", 0.9))
		clock.advance(50 * time.Millisecond)

		em, ok := s.FinalizeSession("s1")
		if !ok || !em.IsFinal || em.Text != "said so far" {
			t.Fatalf("expected promoted final, got %+v ok=%v", em, ok)
		}
	})

	t.Run("nothing after final", func(t *testing.T) {
		s, clock := newTestStabilizer(DefaultConfig())
		r := result(clock, 1, "done", 0.9)
		r.IsFinal = true
		s.Ingest(r)

		if em, ok := s.FinalizeSession("s1"); ok {
			t.Errorf("expected no emission, got %+v", em)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		s, _ := newTestStabilizer(DefaultConfig())
		if _, ok := s.FinalizeSession("nope"); ok {
			t.Error("expected no emission for unknown session")
		}
	})
}

func TestMaxEntriesBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 5
	s, clock := newTestStabilizer(cfg)

	for i := 0; i < 8; i++ {
		r := result(clock, uint64(i+1), fmt.Sprintf("word %d", i), 0.3)
		r.SessionID = fmt.Sprintf("s%d", i%3)
		s.Ingest(r)
	}

	st := s.Stats()
	if st.Entries != 5 || st.Evicted != 3 {
		t.Errorf("expected 5 entries and 3 evictions, got %+v", st)
	}
}

func TestRemove(t *testing.T) {
	s, clock := newTestStabilizer(DefaultConfig())
	s.Ingest(result(clock, 1, "buffered", 0.3))
	s.Remove("s1")

	if st := s.Stats(); st.Sessions != 0 || st.Entries != 0 {
		t.Errorf("expected session state removed, got %+v", st)
	}
	if _, ok := s.FinalizeSession("s1"); ok {
		t.Error("expected nothing to finalize after Remove")
	}
}
