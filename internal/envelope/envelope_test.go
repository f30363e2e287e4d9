package envelope

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/speakd/pkg/audio"
)

// constantPCM returns mono analysis-format PCM of the given length where every
// sample has amplitude amp.
func constantPCM(d time.Duration, amp int16) audio.PCM {
	frames := int(int64(audio.AnalysisFormat.SampleRate) * int64(d) / int64(time.Second))
	buf := make([]byte, frames*2)
	for i := range frames {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amp))
	}
	return audio.PCM{Data: buf, Format: audio.AnalysisFormat}
}

// chunkedPCM concatenates 50ms chunks with the given amplitudes.
func chunkedPCM(amps ...int16) audio.PCM {
	var data []byte
	for _, a := range amps {
		data = append(data, constantPCM(DefaultChunk, a).Data...)
	}
	return audio.PCM{Data: data, Format: audio.AnalysisFormat}
}

func TestCompute_SampleCount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dur  time.Duration
		want int
	}{
		{dur: 0, want: 0},
		{dur: 1 * time.Millisecond, want: 1},
		{dur: 50 * time.Millisecond, want: 1},
		{dur: 51 * time.Millisecond, want: 2},
		{dur: 1000 * time.Millisecond, want: 20},
		{dur: 1234 * time.Millisecond, want: 25},
	}
	for _, tt := range tests {
		pcm := constantPCM(tt.dur, 1000)
		got := Compute(pcm, DefaultChunk, DefaultNormalizer())
		if len(got) != tt.want {
			t.Errorf("Compute(%v) len = %d, want %d", tt.dur, len(got), tt.want)
		}
		ms := float64(pcm.Duration()) / float64(time.Millisecond)
		if want := int(math.Ceil(ms / 50)); len(got) != want {
			t.Errorf("Compute(%v) len = %d, want ceil(%v/50) = %d", tt.dur, len(got), ms, want)
		}
	}
}

func TestCompute_ValuesInUnitRange(t *testing.T) {
	t.Parallel()

	pcm := chunkedPCM(0, 100, 32767, -32768, 5000, 200)
	for _, mode := range []Mode{ModePercentile, ModePeak, ModeFixed} {
		n := DefaultNormalizer()
		n.Mode = mode
		for i, v := range Compute(pcm, DefaultChunk, n) {
			if v < 0 || v > 1 {
				t.Errorf("mode %s sample %d = %v, out of [0,1]", mode, i, v)
			}
		}
	}
}

func TestCompute_Percentile(t *testing.T) {
	t.Parallel()

	// 20 chunks; the percentile index int(20*0.95) = 19 is the loudest.
	amps := make([]int16, 20)
	for i := range amps {
		amps[i] = int16(1000 * (i + 1))
	}
	got := Compute(chunkedPCM(amps...), DefaultChunk, DefaultNormalizer())
	if got[19] != 1 {
		t.Errorf("loudest chunk = %v, want 1", got[19])
	}
	if got[9] != 0.5 {
		t.Errorf("chunk 9 = %v, want 0.5", got[9])
	}
}

func TestCompute_PercentileClampsOutliers(t *testing.T) {
	t.Parallel()

	amps := make([]int16, 10)
	for i := range amps {
		amps[i] = 1000
	}
	amps[3] = 30000
	// int(10*0.8) = 8 selects a regular chunk after sorting.
	n := Normalizer{Mode: ModePercentile, Percentile: 0.8}
	got := Compute(chunkedPCM(amps...), DefaultChunk, n)
	if got[0] != 1 {
		t.Errorf("regular chunk = %v, want 1", got[0])
	}
	if got[3] != 1 {
		t.Errorf("outlier = %v, want clamped to 1", got[3])
	}
}

func TestCompute_Peak(t *testing.T) {
	t.Parallel()

	n := Normalizer{Mode: ModePeak}
	got := Compute(chunkedPCM(8000, 16000, 4000), DefaultChunk, n)
	want := []float64{0.5, 1, 0.25}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCompute_Fixed(t *testing.T) {
	t.Parallel()

	n := Normalizer{Mode: ModeFixed, Reference: 0.5}
	// 8192/32768 = 0.25 RMS, 0.25/0.5 = 0.5.
	got := Compute(chunkedPCM(8192, 32767), DefaultChunk, n)
	if got[0] != 0.5 {
		t.Errorf("chunk 0 = %v, want 0.5", got[0])
	}
	if got[1] != 1 {
		t.Errorf("chunk 1 = %v, want clamped 1", got[1])
	}
}

func TestCompute_Silence(t *testing.T) {
	t.Parallel()

	for _, v := range Compute(constantPCM(time.Second, 0), DefaultChunk, DefaultNormalizer()) {
		if v != 0 {
			t.Fatalf("silent chunk = %v, want 0", v)
		}
	}
}

func TestExtract(t *testing.T) {
	t.Parallel()

	dec := DecoderFunc(func(_ context.Context, data []byte) (audio.PCM, error) {
		if string(data) != "mp3" {
			t.Errorf("decoder got %q", data)
		}
		return constantPCM(260*time.Millisecond, 1200), nil
	})
	env, err := New(dec).Extract(context.Background(), []byte("mp3"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(env) != 6 {
		t.Errorf("len = %d, want 6", len(env))
	}
}

func TestExtract_ConvertsFormat(t *testing.T) {
	t.Parallel()

	// 100ms of 32kHz stereo should become two 50ms chunks.
	stereo := audio.PCM{Data: make([]byte, 3200*4), Format: audio.Format{SampleRate: 32000, Channels: 2}}
	dec := DecoderFunc(func(context.Context, []byte) (audio.PCM, error) { return stereo, nil })

	env, err := New(dec).Extract(context.Background(), nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(env) != 2 {
		t.Errorf("len = %d, want 2", len(env))
	}
}

func TestExtract_DecoderError(t *testing.T) {
	t.Parallel()

	boom := errors.New("corrupt frame")
	dec := DecoderFunc(func(context.Context, []byte) (audio.PCM, error) { return audio.PCM{}, boom })

	_, err := New(dec).Extract(context.Background(), nil)
	if !errors.Is(err, ErrExtraction) {
		t.Errorf("err = %v, want ErrExtraction", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped decoder error", err)
	}
}

func TestExtract_Timeout(t *testing.T) {
	t.Parallel()

	dec := DecoderFunc(func(ctx context.Context, _ []byte) (audio.PCM, error) {
		<-ctx.Done()
		return audio.PCM{}, ctx.Err()
	})
	_, err := New(dec, WithTimeout(5*time.Millisecond)).Extract(context.Background(), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestChunkMS(t *testing.T) {
	t.Parallel()

	if got := New(nil).ChunkMS(); got != 50 {
		t.Errorf("ChunkMS() = %d, want 50", got)
	}
	if got := New(nil, WithChunk(20*time.Millisecond)).ChunkMS(); got != 20 {
		t.Errorf("ChunkMS() = %d, want 20", got)
	}
}

func TestNormalizer_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		n       Normalizer
		wantErr bool
	}{
		{name: "default", n: DefaultNormalizer()},
		{name: "peak", n: Normalizer{Mode: ModePeak}},
		{name: "bad mode", n: Normalizer{Mode: "loudness"}, wantErr: true},
		{name: "percentile zero", n: Normalizer{Mode: ModePercentile}, wantErr: true},
		{name: "fixed no reference", n: Normalizer{Mode: ModeFixed}, wantErr: true},
	}
	for _, tt := range tests {
		if err := tt.n.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}
