package models

import "encoding/json"

// Client to server event names.
const (
	EventJoinSession = "join_session"
	EventAudioChunk  = "audio_chunk"
	EventEndOfStream = "end_of_stream"
)

// Server to client event names.
const (
	EventJoinedSession     = "joined_session"
	EventAudioAcknowledged = "audio_acknowledged"
	EventAck               = "ack"
	EventInterimTranscript = "interim_transcript"
	EventFinalTranscript   = "final_transcript"
	EventStreamEnded       = "stream_ended"
	EventError             = "error"
)

// Envelope is the inbound message frame. Data is decoded per event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerEvent is the outbound message frame.
type ServerEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// JoinSessionPayload is the data of a join_session event.
type JoinSessionPayload struct {
	SessionID  string `json:"session_id" validate:"required,max=128"`
	SampleRate int    `json:"sample_rate,omitempty" validate:"omitempty,min=8000,max=48000"`
}

// AudioChunkPayload is the data of an audio_chunk event.
type AudioChunkPayload struct {
	SessionID    string  `json:"session_id" validate:"required,max=128"`
	AudioDataB64 string  `json:"audio_data_b64" validate:"omitempty,base64"`
	IsFinalChunk bool    `json:"is_final_chunk"`
	MimeType     string  `json:"mime_type,omitempty" validate:"omitempty,max=128"`
	RMS          float64 `json:"rms,omitempty" validate:"gte=0"`
	TSClient     int64   `json:"ts_client,omitempty"`
}

// EndOfStreamPayload is the data of an end_of_stream event.
type EndOfStreamPayload struct {
	SessionID string `json:"session_id" validate:"required,max=128"`
}

// JoinedSession acknowledges a join.
type JoinedSession struct {
	SessionID  string `json:"session_id"`
	SampleRate int    `json:"sample_rate"`
	JoinedAt   int64  `json:"joined_at"`
}

// AudioAcknowledged is the receipt sent for every audio_chunk, before processing.
type AudioAcknowledged struct {
	SessionID  string `json:"session_id"`
	ReceivedAt int64  `json:"received_at"`
	TSClient   int64  `json:"ts_client,omitempty"`
}

// Ack reports the processing outcome of one audio_chunk.
type Ack struct {
	OK        bool   `json:"ok"`
	Seq       uint64 `json:"seq"`
	LatencyMs int64  `json:"latency_ms"`
	SessionID string `json:"session_id"`
}

// Transcript is the data of interim_transcript and final_transcript events.
type Transcript struct {
	SessionID  string  `json:"session_id"`
	ChunkID    string  `json:"chunk_id"`
	Sequence   uint64  `json:"sequence"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Stability  float64 `json:"stability"`
	IsFinal    bool    `json:"is_final"`
	LatencyMs  int64   `json:"latency_ms"`
	Timestamp  int64   `json:"timestamp"`
}

// FinalStats summarizes a session when it ends.
type FinalStats struct {
	DurationMs     int64 `json:"duration_ms"`
	Submissions    int64 `json:"submissions"`
	Chunks         int64 `json:"chunks"`
	ChunksDropped  int64 `json:"chunks_dropped"`
	Results        int64 `json:"results"`
	Failures       int64 `json:"failures"`
	SilentChunks   int64 `json:"silent_chunks"`
	InterimEmitted int64 `json:"interim_emitted"`
	FinalEmitted   int64 `json:"final_emitted"`
	PendingAtEnd   int64 `json:"pending_at_end"`
}

// StreamEnded is sent once a session has been finalized.
type StreamEnded struct {
	SessionID  string     `json:"session_id"`
	FinalStats FinalStats `json:"final_stats"`
}

// ErrorEvent is the wire form of a ProtocolError or a per-chunk failure.
type ErrorEvent struct {
	Type      ErrorKind `json:"type"`
	Message   string    `json:"message"`
	Hint      string    `json:"hint"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp int64     `json:"timestamp"`
}
