// Package envelope derives the lip-sync loudness signal for an audio payload.
//
// The payload is decoded to [audio.AnalysisFormat], split into fixed chunks
// (50 ms by default), and each chunk is reduced to its RMS amplitude. The
// resulting sequence is normalized into [0, 1] with a configurable
// [Normalizer] and rounded to three decimals.
package envelope

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/speakd/pkg/audio"
)

// DefaultChunk is the width of one envelope sample.
const DefaultChunk = 50 * time.Millisecond

// defaultTimeout bounds a single extraction, decode included.
const defaultTimeout = 30 * time.Second

// ErrExtraction wraps every failure returned by [Extractor.Extract]. Callers
// treat it as non-fatal and continue with an empty envelope.
var ErrExtraction = errors.New("envelope: extraction failed")

// Decoder turns an encoded payload into PCM in [audio.AnalysisFormat].
type Decoder interface {
	Decode(ctx context.Context, data []byte) (audio.PCM, error)
}

// DecoderFunc adapts a plain function to [Decoder].
type DecoderFunc func(ctx context.Context, data []byte) (audio.PCM, error)

// Decode calls f.
func (f DecoderFunc) Decode(ctx context.Context, data []byte) (audio.PCM, error) {
	return f(ctx, data)
}

// Option configures an [Extractor].
type Option func(*Extractor)

// WithChunk sets the envelope chunk width. Default: 50ms.
func WithChunk(d time.Duration) Option {
	return func(e *Extractor) {
		if d > 0 {
			e.chunk = d
		}
	}
}

// WithNormalizer sets the normalization strategy. Default: 95th percentile.
func WithNormalizer(n Normalizer) Option {
	return func(e *Extractor) { e.norm = n }
}

// WithTimeout bounds a single extraction. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(e *Extractor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// Extractor computes envelopes. It holds no mutable state and is safe for
// concurrent use.
type Extractor struct {
	decoder Decoder
	chunk   time.Duration
	norm    Normalizer
	timeout time.Duration
}

// New creates an [Extractor] that decodes payloads with dec.
func New(dec Decoder, opts ...Option) *Extractor {
	e := &Extractor{
		decoder: dec,
		chunk:   DefaultChunk,
		norm:    DefaultNormalizer(),
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ChunkMS returns the chunk width in milliseconds, as published to clients.
func (e *Extractor) ChunkMS() int {
	return int(e.chunk / time.Millisecond)
}

// Extract decodes data and returns its envelope. The length of the result is
// ceil(duration / chunk). Any failure is wrapped in [ErrExtraction].
func (e *Extractor) Extract(ctx context.Context, data []byte) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	pcm, err := e.decoder.Decode(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrExtraction, err)
	}
	if pcm.Format != audio.AnalysisFormat {
		if pcm, err = pcm.To(audio.AnalysisFormat); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExtraction, err)
		}
	}
	return Compute(pcm, e.chunk, e.norm), nil
}

// Compute returns the normalized RMS envelope of mono pcm. A trailing partial
// chunk produces its own sample.
func Compute(pcm audio.PCM, chunk time.Duration, norm Normalizer) []float64 {
	rate := pcm.Format.SampleRate
	frames := len(pcm.Data) / 2
	per := int(int64(rate) * int64(chunk) / int64(time.Second))
	if frames == 0 || per <= 0 {
		return []float64{}
	}

	n := (frames + per - 1) / per
	rms := make([]float64, n)
	for i := range n {
		start := i * per
		end := min(start+per, frames)
		var sum float64
		for j := start; j < end; j++ {
			v := float64(audio.Sample(pcm.Data, j)) / 32768
			sum += v * v
		}
		rms[i] = math.Sqrt(sum / float64(end-start))
	}

	ref := norm.reference(rms)
	out := make([]float64, n)
	for i, v := range rms {
		out[i] = round3(min(v/ref, 1))
	}
	return out
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
