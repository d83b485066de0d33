package models

import (
	"fmt"
	"time"
)

// AudioChunk is one unit of PCM audio submitted for transcription.
// Payload is 16-bit little-endian mono PCM at SampleRate.
type AudioChunk struct {
	ID             string
	SessionID      string
	Payload        []byte
	SampleRate     int
	SequenceNumber uint64
	CapturedAt     time.Time
	HasSpeech      bool
	VADConfidence  float64
	IsFinal        bool // end of utterance
}

// ChunkID builds the chunk identifier for a session sequence number.
func ChunkID(sessionID string, seq uint64) string {
	return fmt.Sprintf("%s-chunk-%d", sessionID, seq)
}

// Duration returns the playback length of the chunk payload.
func (c AudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	samples := len(c.Payload) / 2
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

// TranscriptionResult is the terminal outcome of one chunk's transcription attempt.
type TranscriptionResult struct {
	ChunkID             string
	SessionID           string
	SequenceNumber      uint64
	CapturedAt          time.Time
	IsFinal             bool // copied from the source chunk
	Text                string
	Confidence          float64
	IsInterim           bool
	ProcessingLatencyMs int64

	// Skipped is set for chunks that never reached the provider (no speech).
	Skipped bool

	ErrorKind ErrorKind
	Err       error
}

// Failed reports whether the result carries a failure outcome.
func (r TranscriptionResult) Failed() bool {
	return r.Err != nil
}

// ResultFor returns an empty result skeleton for the given chunk.
func ResultFor(c AudioChunk) TranscriptionResult {
	return TranscriptionResult{
		ChunkID:        c.ID,
		SessionID:      c.SessionID,
		SequenceNumber: c.SequenceNumber,
		CapturedAt:     c.CapturedAt,
		IsFinal:        c.IsFinal,
		IsInterim:      !c.IsFinal,
	}
}
