// Package mp3test builds small MP3 payloads for tests.
package mp3test

// FrameSamples is the number of samples per channel in one MPEG-1 Layer III
// frame.
const FrameSamples = 1152

// SampleRate is the sample rate of the frames produced by [Silence].
const SampleRate = 44100

// frameLen is the byte length of a 128 kbit/s, 44.1 kHz frame without
// padding: 144 * 128000 / 44100.
const frameLen = 417

// header is an MPEG-1 Layer III frame header: no CRC, 128 kbit/s, 44.1 kHz,
// no padding, mono.
var header = [4]byte{0xFF, 0xFB, 0x90, 0xC0}

// Silence returns n back-to-back silent frames. Side information and main
// data are all zero, so every frame decodes to digital silence.
func Silence(n int) []byte {
	out := make([]byte, 0, n*frameLen)
	for range n {
		frame := make([]byte, frameLen)
		copy(frame, header[:])
		out = append(out, frame...)
	}
	return out
}
