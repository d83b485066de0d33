// Package models defines the data structures shared by the transcription
// pipeline, the client wire protocol and the published transcript events.
package models

// TranscriptPartial represents an interim transcript published downstream.
type TranscriptPartial struct {
	EventType  string  `json:"eventType"`
	SessionID  string  `json:"sessionId"`
	ChunkID    string  `json:"chunkId"`
	Sequence   uint64  `json:"sequence"`
	Timestamp  int64   `json:"timestamp"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// TranscriptFinal represents a final transcript result with confidence score.
type TranscriptFinal struct {
	EventType     string  `json:"eventType"`
	SessionID     string  `json:"sessionId"`
	ChunkID       string  `json:"chunkId"`
	Sequence      uint64  `json:"sequence"`
	Timestamp     int64   `json:"timestamp"`
	Text          string  `json:"text"`
	Confidence    float64 `json:"confidence"`
	Stability     float64 `json:"stability"`
	AudioOffsetMs int64   `json:"audioOffsetMs"`
	LatencyMs     int64   `json:"latencyMs"`
}

// SessionSummary is published once per session when it ends.
type SessionSummary struct {
	EventType string     `json:"eventType"`
	SessionID string     `json:"sessionId"`
	Reason    string     `json:"reason"`
	Timestamp int64      `json:"timestamp"`
	Stats     FinalStats `json:"stats"`
}

const (
	EventTypeTranscriptPartial = "session.transcript.partial"
	EventTypeTranscriptFinal   = "session.transcript.final"
	EventTypeSessionSummary    = "session.summary"
)
