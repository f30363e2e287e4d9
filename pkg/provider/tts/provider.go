// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a remote speech synthesis service and returns complete
// encoded audio payloads (MP3) for a single voice or for a multi-voice
// dialogue. Payload validation and retry policy live in the caller; a
// provider only reports transport and HTTP failures.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnauthorized is wrapped by [StatusError] when the provider rejects the
// API key.
var ErrUnauthorized = errors.New("tts: unauthorized")

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Several items may be
// prepared in parallel.
type Provider interface {
	// Synthesize returns the encoded audio for text spoken by voiceID.
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)

	// SynthesizeDialogue returns a single encoded payload containing every
	// line spoken in order, each by its own voice.
	SynthesizeDialogue(ctx context.Context, lines []DialogueLine) ([]byte, error)

	// ListVoices returns the provider's voice catalogue for the configured
	// account. Returns an error if the provider cannot be reached.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// StatusError is returned when the provider answers with a non-2xx status.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("tts: %s: status %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("tts: %s: status %d", e.Op, e.Status)
}

// Unwrap exposes [ErrUnauthorized] for 401 and 403 responses.
func (e *StatusError) Unwrap() error {
	if e.Status == 401 || e.Status == 403 {
		return ErrUnauthorized
	}
	return nil
}
