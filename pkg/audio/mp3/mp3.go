// Package mp3 validates, probes, decodes and trims MP3 payloads in pure Go.
//
// It backs the native decoder path: payload validation after a fetch,
// duration probing before playback, PCM decoding for envelope extraction, and
// offset trimming for output commands that cannot seek on their own.
package mp3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/faiface/beep"
	beepmp3 "github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"

	"github.com/MrWong99/speakd/pkg/audio"
)

// ErrInvalid is returned when a payload does not look like decodable MP3.
var ErrInvalid = errors.New("mp3: invalid payload")

// streamChunk is the number of frames pulled from the decoder per Stream call.
const streamChunk = 1024

// minPayload is the smallest byte count that can hold an MPEG frame header.
const minPayload = 4

// Validate reports whether data is an MP3 container with at least one
// decodable frame. It returns an error wrapping [ErrInvalid] otherwise.
func Validate(data []byte) error {
	if len(data) < minPayload {
		return fmt.Errorf("%w: %d bytes", ErrInvalid, len(data))
	}
	if !hasID3(data) && !hasFrameSync(data) {
		return fmt.Errorf("%w: no ID3 tag or frame sync", ErrInvalid)
	}
	s, _, err := open(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	defer s.Close()

	buf := make([][2]float64, 1)
	if n, ok := s.Stream(buf); !ok || n == 0 {
		return fmt.Errorf("%w: no decodable frames", ErrInvalid)
	}
	return nil
}

// Probe returns the playback duration of data.
func Probe(data []byte) (time.Duration, error) {
	s, format, err := open(data)
	if err != nil {
		return 0, fmt.Errorf("mp3: probe: %w", err)
	}
	defer s.Close()

	n := s.Len()
	if n <= 0 {
		return 0, errors.New("mp3: probe: unknown length")
	}
	return format.SampleRate.D(n), nil
}

// Decode decodes data to PCM in [audio.AnalysisFormat]. ctx is checked
// between chunks so a cancelled preparation stops promptly.
func Decode(ctx context.Context, data []byte) (audio.PCM, error) {
	s, format, err := open(data)
	if err != nil {
		return audio.PCM{}, fmt.Errorf("mp3: decode: %w", err)
	}
	defer s.Close()

	var pcm []byte
	if n := s.Len(); n > 0 {
		pcm = make([]byte, 0, n*4)
	}
	buf := make([][2]float64, streamChunk)
	for {
		if err := ctx.Err(); err != nil {
			return audio.PCM{}, err
		}
		n, ok := s.Stream(buf)
		pcm = audio.FromFloatFrames(pcm, buf[:n])
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return audio.PCM{}, fmt.Errorf("mp3: decode: %w", err)
	}

	stereo := audio.PCM{
		Data:   pcm,
		Format: audio.Format{SampleRate: int(format.SampleRate), Channels: format.NumChannels},
	}
	return stereo.To(audio.AnalysisFormat)
}

// TrimWAV writes the audio of data starting at offset to w as WAV. An offset
// at or beyond the end writes an empty (header-only) file.
func TrimWAV(w io.WriteSeeker, data []byte, offset time.Duration) error {
	s, format, err := open(data)
	if err != nil {
		return fmt.Errorf("mp3: trim: %w", err)
	}
	defer s.Close()

	pos := format.SampleRate.N(offset)
	if n := s.Len(); n > 0 && pos > n {
		pos = n
	}
	if pos > 0 {
		if err := s.Seek(pos); err != nil {
			return fmt.Errorf("mp3: trim: seek to %v: %w", offset, err)
		}
	}
	if err := wav.Encode(w, s, format); err != nil {
		return fmt.Errorf("mp3: trim: encode wav: %w", err)
	}
	return nil
}

// open wraps data in a seekable reader so the decoder can compute the stream
// length up front.
func open(data []byte) (beep.StreamSeekCloser, beep.Format, error) {
	return beepmp3.Decode(&readSeekCloser{Reader: bytes.NewReader(data)})
}

type readSeekCloser struct {
	*bytes.Reader
}

func (readSeekCloser) Close() error { return nil }

func hasID3(data []byte) bool {
	return len(data) >= 3 && data[0] == 'I' && data[1] == 'D' && data[2] == '3'
}

// hasFrameSync reports whether data starts with an MPEG audio frame header
// (11 set sync bits).
func hasFrameSync(data []byte) bool {
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}
