// Package ffmpeg decodes and probes audio payloads through the ffmpeg and
// ffprobe command-line tools. Every invocation runs under a bounded timeout;
// payloads are streamed to the tool over stdin.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/speakd/pkg/audio"
)

const defaultTimeout = 30 * time.Second

// ErrTimeout is returned when a tool invocation exceeds its deadline.
var ErrTimeout = errors.New("ffmpeg: subprocess timed out")

// runFunc executes name with args, feeding stdin, and returns stdout.
type runFunc func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

// Option configures a [Tool].
type Option func(*Tool)

// WithFFmpeg sets the ffmpeg binary path. Default: "ffmpeg" from PATH.
func WithFFmpeg(path string) Option {
	return func(t *Tool) {
		if path != "" {
			t.ffmpeg = path
		}
	}
}

// WithFFprobe sets the ffprobe binary path. Default: "ffprobe" from PATH.
func WithFFprobe(path string) Option {
	return func(t *Tool) {
		if path != "" {
			t.ffprobe = path
		}
	}
}

// WithTimeout bounds every subprocess call. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// Tool wraps the ffmpeg/ffprobe binaries. It is safe for concurrent use; each
// call spawns its own process.
type Tool struct {
	ffmpeg  string
	ffprobe string
	timeout time.Duration
	run     runFunc
}

// New creates a [Tool]. The binaries are resolved lazily on first use, so a
// missing ffmpeg only fails the calls that need it.
func New(opts ...Option) *Tool {
	t := &Tool{
		ffmpeg:  "ffmpeg",
		ffprobe: "ffprobe",
		timeout: defaultTimeout,
		run:     execRun,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Decode converts data to PCM in [audio.AnalysisFormat].
func (t *Tool) Decode(ctx context.Context, data []byte) (audio.PCM, error) {
	f := audio.AnalysisFormat
	out, err := t.call(ctx, data, t.ffmpeg,
		"-v", "error",
		"-i", "pipe:0",
		"-f", "s16le",
		"-ac", strconv.Itoa(f.Channels),
		"-ar", strconv.Itoa(f.SampleRate),
		"pipe:1",
	)
	if err != nil {
		return audio.PCM{}, fmt.Errorf("ffmpeg: decode: %w", err)
	}
	if len(out)%2 != 0 {
		out = out[:len(out)-1]
	}
	return audio.PCM{Data: out, Format: f}, nil
}

// Probe returns the container duration reported by ffprobe.
func (t *Tool) Probe(ctx context.Context, data []byte) (time.Duration, error) {
	out, err := t.call(ctx, data, t.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		"-i", "pipe:0",
	)
	if err != nil {
		return 0, fmt.Errorf("ffmpeg: probe: %w", err)
	}
	return parseDuration(out)
}

func (t *Tool) call(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	out, err := t.run(ctx, stdin, name, args...)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %v", ErrTimeout, t.timeout)
	}
	return out, err
}

// parseDuration parses ffprobe's bare seconds output, e.g. "3.265306\n".
func parseDuration(out []byte) (time.Duration, error) {
	s := strings.TrimSpace(string(out))
	if s == "" || s == "N/A" {
		return 0, errors.New("ffmpeg: probe: no duration reported")
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("ffmpeg: probe: parse %q: %w", s, err)
	}
	if secs <= 0 {
		return 0, fmt.Errorf("ffmpeg: probe: non-positive duration %v", secs)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func execRun(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}
