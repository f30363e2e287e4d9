// Package audio defines the interfaces and types for driving the local audio
// output device and for handling decoded PCM within speakd.
//
// The two primary abstractions are:
//
//   - [Output] - starts playback of an audio file and returns a [Process].
//   - [Process] - a running playback that can be waited on or killed.
//
// Implementations are provided by command-line players (see
// [CommandOutput]) and by the test doubles in audio/mock. The interfaces are
// intentionally narrow so the playback controller never depends on a
// particular player binary.
package audio

import (
	"context"
	"time"
)

// Process is a running playback of a single file.
//
// Implementations must be safe for concurrent use: Kill may be called from a
// different goroutine than the one blocked in Wait.
type Process interface {
	// Wait blocks until the process exits. A nil error means the audio
	// played to its natural end.
	Wait() error

	// Kill stops the process. Wait returns shortly after.
	Kill() error
}

// Output starts playback of audio files on the local device.
type Output interface {
	// Start begins playing the file at path from offset. The returned
	// [Process] is already running.
	Start(ctx context.Context, path string, offset time.Duration) (Process, error)
}

// NativeSeeker is implemented by outputs that honour the offset passed to
// [Output.Start] themselves. Outputs that do not implement it, or report
// false, receive a file already trimmed to the offset and an offset of zero.
type NativeSeeker interface {
	SeeksNatively() bool
}

// SeeksNatively reports whether out handles non-zero start offsets itself.
func SeeksNatively(out Output) bool {
	s, ok := out.(NativeSeeker)
	return ok && s.SeeksNatively()
}
