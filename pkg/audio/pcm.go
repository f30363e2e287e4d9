// Package audio holds the PCM primitives shared by the decoders and the
// envelope extractor. All sample data is little-endian signed 16-bit PCM.
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of a PCM buffer.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch f.Channels {
	case 1:
	case 2:
		ch = "stereo"
	default:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// AnalysisFormat is the format every decoder produces for envelope analysis.
var AnalysisFormat = Format{SampleRate: 16000, Channels: 1}

// PCM is a decoded buffer together with its format.
type PCM struct {
	Data   []byte
	Format Format
}

// Frames returns the number of sample frames (one sample per channel) in p.
func (p PCM) Frames() int {
	if p.Format.Channels <= 0 {
		return 0
	}
	return len(p.Data) / (2 * p.Format.Channels)
}

// Duration returns the playback length of p. It is zero when the format is
// incomplete.
func (p PCM) Duration() time.Duration {
	if p.Format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(p.Frames()) * time.Second / time.Duration(p.Format.SampleRate)
}

// To converts p to target. Stereo input is downmixed before resampling so the
// resampler only ever touches one channel. Only mono and stereo sources are
// supported; anything else is returned unchanged with an error.
func (p PCM) To(target Format) (PCM, error) {
	if len(p.Data)%2 != 0 {
		return p, fmt.Errorf("audio: odd byte count %d in PCM data", len(p.Data))
	}
	if p.Format == target {
		return p, nil
	}
	if target.Channels != 1 {
		return p, fmt.Errorf("audio: unsupported target %s", target)
	}

	data := p.Data
	switch p.Format.Channels {
	case 1:
	case 2:
		data = StereoToMono(data)
	default:
		return p, fmt.Errorf("audio: unsupported source %s", p.Format)
	}
	data = ResampleMono16(data, p.Format.SampleRate, target.SampleRate)
	return PCM{Data: data, Format: target}, nil
}

// Sample returns the i-th int16 sample of pcm.
func Sample(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

// putSample writes s as the i-th sample of pcm.
func putSample(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}

// StereoToMono averages L+R per stereo frame. It uses int32 arithmetic so the
// sum cannot overflow.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(Sample(pcm, i*2))
		r := int32(Sample(pcm, i*2+1))
		putSample(out, i, int16((l+r)/2))
	}
	return out
}

// ResampleMono16 resamples mono PCM from srcRate to dstRate with linear
// interpolation. Equal or invalid rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := Sample(pcm, idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = Sample(pcm, idx+1)
		}
		putSample(out, i, int16(float64(s0)*(1-frac)+float64(s1)*frac))
	}
	return out
}

// FromFloatFrames encodes stereo float frames in [-1, 1] as interleaved
// 16-bit PCM, appending to dst. Values outside the range are clamped.
func FromFloatFrames(dst []byte, frames [][2]float64) []byte {
	for _, f := range frames {
		for _, v := range f {
			s := clampUnit(v) * 32767
			u := uint16(int16(s))
			dst = append(dst, byte(u), byte(u>>8))
		}
	}
	return dst
}

func clampUnit(v float64) float64 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	}
	return v
}
