// Package chunk accumulates per-session PCM audio into fixed-duration,
// overlapping chunks ready for transcription.
package chunk

import (
	"sync"
	"time"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/service/vad"
)

// Config holds assembler parameters. Durations are audio durations.
type Config struct {
	TargetDuration    time.Duration
	OverlapDuration   time.Duration
	MinDuration       time.Duration // clamp floor for adaptive targets
	MaxDuration       time.Duration // clamp ceiling for adaptive targets
	DefaultSampleRate int

	// Adaptive sizing inputs.
	LatencyBudget time.Duration // latency above this shrinks chunks
	NoiseVariance float64       // client RMS variance above this grows chunks

	VAD vad.Config
}

// DefaultConfig returns the default assembler configuration.
func DefaultConfig() Config {
	return Config{
		TargetDuration:    300 * time.Millisecond,
		OverlapDuration:   50 * time.Millisecond,
		MinDuration:       256 * time.Millisecond,
		MaxDuration:       4 * time.Second,
		DefaultSampleRate: 16000,
		LatencyBudget:     time.Second,
		NoiseVariance:     0.01,
		VAD:               vad.DefaultConfig(),
	}
}

// stream is the buffered audio of one session.
type stream struct {
	mu         sync.Mutex
	sampleRate int
	target     time.Duration
	buf        []byte
	retained   int // leading bytes of buf already sent as overlap
	seq        uint64
	detector   *vad.Detector
}

// Stats is a snapshot of assembler counters.
type Stats struct {
	Sessions     int    `json:"sessions"`
	Chunks       uint64 `json:"chunks"`
	VoicedChunks uint64 `json:"voiced_chunks"`
	SilentChunks uint64 `json:"silent_chunks"`
	FinalChunks  uint64 `json:"final_chunks"`
}

// Assembler owns one append-only buffer per session. Each session's buffer
// is only touched under that session's lock.
type Assembler struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	streams map[string]*stream
	stats   Stats
}

// NewAssembler creates an assembler. Zero fields fall back to DefaultConfig.
func NewAssembler(cfg Config) *Assembler {
	def := DefaultConfig()
	if cfg.TargetDuration <= 0 {
		cfg.TargetDuration = def.TargetDuration
	}
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = def.MinDuration
	}
	if cfg.MaxDuration <= 0 || cfg.MaxDuration < cfg.MinDuration {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.OverlapDuration < 0 || cfg.OverlapDuration >= cfg.MinDuration {
		cfg.OverlapDuration = def.OverlapDuration
	}
	if cfg.DefaultSampleRate <= 0 {
		cfg.DefaultSampleRate = def.DefaultSampleRate
	}
	if cfg.LatencyBudget <= 0 {
		cfg.LatencyBudget = def.LatencyBudget
	}
	if cfg.NoiseVariance <= 0 {
		cfg.NoiseVariance = def.NoiseVariance
	}
	cfg.TargetDuration = clamp(cfg.TargetDuration, cfg.MinDuration, cfg.MaxDuration)

	return &Assembler{
		cfg:     cfg,
		now:     time.Now,
		streams: make(map[string]*stream),
	}
}

// Open starts a fresh buffer for the session, replacing any existing one.
// The chunk sequence restarts at 1.
func (a *Assembler) Open(sessionID string, sampleRate int) {
	if sampleRate <= 0 {
		sampleRate = a.cfg.DefaultSampleRate
	}
	s := &stream{
		sampleRate: sampleRate,
		target:     a.cfg.TargetDuration,
		detector:   vad.NewDetector(a.cfg.VAD),
	}

	a.mu.Lock()
	a.streams[sessionID] = s
	a.mu.Unlock()
}

// Remove discards the session buffer without emitting anything.
func (a *Assembler) Remove(sessionID string) {
	a.mu.Lock()
	delete(a.streams, sessionID)
	a.mu.Unlock()
}

// Add appends PCM16LE mono audio to the session buffer and returns every
// chunk that became ready. Unknown sessions are opened at the default
// sample rate.
func (a *Assembler) Add(sessionID string, pcm []byte) []models.AudioChunk {
	s := a.stream(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, pcm...)

	targetBytes := bytesFor(s.target, s.sampleRate)
	overlapBytes := bytesFor(a.cfg.OverlapDuration, s.sampleRate)

	var out []models.AudioChunk
	for len(s.buf) >= targetBytes {
		payload := make([]byte, targetBytes)
		copy(payload, s.buf[:targetBytes])
		out = append(out, a.emit(sessionID, s, payload, false))

		// Keep the tail of this chunk as the head of the next one.
		rest := make([]byte, len(s.buf)-targetBytes+overlapBytes)
		copy(rest, s.buf[targetBytes-overlapBytes:])
		s.buf = rest
		s.retained = overlapBytes
	}
	return out
}

// Finalize flushes any audio not yet sent as one chunk marked IsFinal, even
// when it is shorter than the minimum duration, then resets the buffer. The
// sequence counter keeps increasing across utterances. When the utterance
// ended exactly on a chunk boundary the retained overlap is sent as the
// final chunk, so every utterance that produced audio ends with one. An
// empty buffer yields no chunks.
func (a *Assembler) Finalize(sessionID string) []models.AudioChunk {
	a.mu.RLock()
	s, ok := a.streams[sessionID]
	a.mu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.buf) &^ 1
	if n == 0 {
		s.buf = nil
		s.retained = 0
		return nil
	}

	payload := make([]byte, n)
	copy(payload, s.buf[:n])
	s.buf = nil
	s.retained = 0
	return []models.AudioChunk{a.emit(sessionID, s, payload, true)}
}

// SetTargetDuration changes the session's chunk target. The value is
// clamped to [MinDuration, MaxDuration] and the clamped value is returned.
func (a *Assembler) SetTargetDuration(sessionID string, d time.Duration) time.Duration {
	d = clamp(d, a.cfg.MinDuration, a.cfg.MaxDuration)

	s := a.stream(sessionID)
	s.mu.Lock()
	s.target = d
	s.mu.Unlock()
	return d
}

// TargetDuration returns the session's current chunk target.
func (a *Assembler) TargetDuration(sessionID string) (time.Duration, bool) {
	a.mu.RLock()
	s, ok := a.streams[sessionID]
	a.mu.RUnlock()
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target, true
}

// AdaptiveTarget derives a chunk target from the base duration, the
// variance of recent client-reported energy and the recent end-to-end
// latency. High latency shrinks chunks to bound tail latency; a noisy
// environment grows them. The result is always clamped.
func (a *Assembler) AdaptiveTarget(base time.Duration, energyVariance float64, latency time.Duration) time.Duration {
	if base <= 0 {
		base = a.cfg.TargetDuration
	}
	target := float64(base)

	switch {
	case latency > 2*a.cfg.LatencyBudget:
		target *= 0.5
	case latency > a.cfg.LatencyBudget:
		target *= 0.75
	}
	if energyVariance > a.cfg.NoiseVariance {
		target *= 1.5
	}
	return clamp(time.Duration(target), a.cfg.MinDuration, a.cfg.MaxDuration)
}

// VADStats sums the detector counters of live sessions. NoiseFloor is the
// mean noise floor across them.
func (a *Assembler) VADStats() vad.Stats {
	a.mu.RLock()
	detectors := make([]*vad.Detector, 0, len(a.streams))
	for _, s := range a.streams {
		detectors = append(detectors, s.detector)
	}
	a.mu.RUnlock()

	var total vad.Stats
	for _, d := range detectors {
		st := d.Stats()
		total.Frames += st.Frames
		total.VoicedFrames += st.VoicedFrames
		total.SubFrames += st.SubFrames
		total.VoicedSubFrames += st.VoicedSubFrames
		total.Fallbacks += st.Fallbacks
		total.NoiseFloor += st.NoiseFloor
	}
	if len(detectors) > 0 {
		total.NoiseFloor /= float64(len(detectors))
	}
	return total
}

// Stats returns a snapshot of assembler counters.
func (a *Assembler) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st := a.stats
	st.Sessions = len(a.streams)
	return st
}

func (a *Assembler) stream(sessionID string) *stream {
	a.mu.RLock()
	s, ok := a.streams[sessionID]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.streams[sessionID]; ok {
		return s
	}
	s = &stream{
		sampleRate: a.cfg.DefaultSampleRate,
		target:     a.cfg.TargetDuration,
		detector:   vad.NewDetector(a.cfg.VAD),
	}
	a.streams[sessionID] = s
	return s
}

// emit builds a VAD-tagged chunk. Caller holds s.mu.
func (a *Assembler) emit(sessionID string, s *stream, payload []byte, final bool) models.AudioChunk {
	s.seq++
	hasSpeech, conf := s.detector.Detect(payload, s.sampleRate)

	a.mu.Lock()
	a.stats.Chunks++
	if hasSpeech {
		a.stats.VoicedChunks++
	} else {
		a.stats.SilentChunks++
	}
	if final {
		a.stats.FinalChunks++
	}
	a.mu.Unlock()

	return models.AudioChunk{
		ID:             models.ChunkID(sessionID, s.seq),
		SessionID:      sessionID,
		Payload:        payload,
		SampleRate:     s.sampleRate,
		SequenceNumber: s.seq,
		CapturedAt:     a.now(),
		HasSpeech:      hasSpeech,
		VADConfidence:  conf,
		IsFinal:        final,
	}
}

// bytesFor converts an audio duration into an even PCM16 byte count.
func bytesFor(d time.Duration, sampleRate int) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return samples * 2
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
