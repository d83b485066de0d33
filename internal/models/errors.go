package models

import "fmt"

// ErrorKind is the machine-readable error type sent to clients.
type ErrorKind string

const (
	ErrMissingSessionID           ErrorKind = "missing_session_id"
	ErrSessionNotJoined           ErrorKind = "session_not_joined"
	ErrRateLimitExceeded          ErrorKind = "rate_limit_exceeded"
	ErrAudioDecode                ErrorKind = "audio_decode_error"
	ErrAudioProcessing            ErrorKind = "audio_processing_error"
	ErrCircuitOpen                ErrorKind = "circuit_open"
	ErrTranscriptionTimeout       ErrorKind = "transcription_timeout"
	ErrTranscriptionProviderError ErrorKind = "transcription_provider_error"
	ErrInternal                   ErrorKind = "internal_error"
)

var hints = map[ErrorKind]string{
	ErrMissingSessionID:           "include a session_id and join again",
	ErrSessionNotJoined:           "session not joined, call join_session first",
	ErrRateLimitExceeded:          "reduce audio chunk rate",
	ErrAudioDecode:                "send smaller base64-encoded audio frames",
	ErrAudioProcessing:            "send audio/pcm or audio/wav, or retry the chunk",
	ErrCircuitOpen:                "transcription service recovering, retry shortly",
	ErrTranscriptionTimeout:       "retry the chunk or reduce chunk size",
	ErrTranscriptionProviderError: "retry the chunk",
	ErrInternal:                   "rejoin the session",
}

// Hint returns the remediation hint for the kind.
func (k ErrorKind) Hint() string {
	if h, ok := hints[k]; ok {
		return h
	}
	return hints[ErrInternal]
}

// ProtocolError is the explicit error value returned by protocol handlers.
type ProtocolError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// NewProtocolError creates a ProtocolError with a formatted message.
func NewProtocolError(kind ErrorKind, format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithCause sets the underlying cause and returns the receiver.
func (e *ProtocolError) WithCause(cause error) *ProtocolError {
	e.Cause = cause
	return e
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// Hint returns the remediation hint for the error kind.
func (e *ProtocolError) Hint() string { return e.Kind.Hint() }
