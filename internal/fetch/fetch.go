// Package fetch obtains validated audio for queue items from the upstream
// speech provider.
//
// A fetch makes up to N attempts. An attempt whose payload fails validation
// is retried; a transport, HTTP or breaker error ends the fetch at once.
// Every attempt goes through a circuit breaker so a dead upstream fails fast.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/speakd/internal/observe"
	"github.com/MrWong99/speakd/internal/resilience"
	"github.com/MrWong99/speakd/pkg/audio/mp3"
	"github.com/MrWong99/speakd/pkg/provider/tts"
)

var (
	// ErrUpstream wraps every failure to obtain audio: transport and HTTP
	// errors, an open breaker, and payloads still invalid after all attempts.
	ErrUpstream = errors.New("fetch: upstream failure")

	// ErrInvalidPayload marks a fetch whose every attempt returned audio that
	// failed validation. It is always joined with [ErrUpstream].
	ErrInvalidPayload = errors.New("fetch: invalid payload")
)

const (
	defaultAttempts = 3
	defaultTimeout  = 60 * time.Second
)

// Kind selects the upstream endpoint.
type Kind string

const (
	KindSpeak    Kind = "speak"
	KindDialogue Kind = "dialogue"
)

// Request describes the audio to synthesise. Speak requests use Text and
// VoiceID; dialogue requests use Lines.
type Request struct {
	Kind    Kind
	Text    string
	VoiceID string
	Lines   []tts.DialogueLine
}

// Validator checks a payload before it is accepted.
type Validator func([]byte) error

// Option configures a [Fetcher].
type Option func(*Fetcher)

// WithAttempts sets the total number of attempts made while payloads are
// invalid. Default: 3.
func WithAttempts(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.attempts = n
		}
	}
}

// WithTimeout bounds each attempt. Default: 60s.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithValidator replaces payload validation. Default: [mp3.Validate].
func WithValidator(v Validator) Option {
	return func(f *Fetcher) {
		if v != nil {
			f.validate = v
		}
	}
}

// WithBreaker sets the circuit breaker guarding the upstream.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(f *Fetcher) { f.breaker = cb }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// Fetcher is safe for concurrent use.
type Fetcher struct {
	provider tts.Provider
	attempts int
	timeout  time.Duration
	validate Validator
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
}

// New creates a Fetcher for p.
func New(p tts.Provider, opts ...Option) *Fetcher {
	f := &Fetcher{
		provider: p,
		attempts: defaultAttempts,
		timeout:  defaultTimeout,
		validate: mp3.Validate,
	}
	for _, o := range opts {
		o(f)
	}
	if f.breaker == nil {
		f.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "tts"})
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	return f
}

// Fetch returns validated audio for req.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (audio []byte, err error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "fetch."+string(req.Kind),
		trace.WithAttributes(
			attribute.String("voice_id", req.VoiceID),
			attribute.Int("text_len", textLen(req)),
		),
	)
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			f.metrics.RecordFetchError(ctx, reason(err))
		}
		f.metrics.RecordFetch(ctx, string(req.Kind), status, time.Since(start))
		observe.EndSpan(span, err)
	}()

	log := observe.Logger(ctx)
	var lastInvalid error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := f.attempt(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.metrics.RecordFetchAttempt(ctx, "error")
			return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
		}

		if verr := f.validate(data); verr != nil {
			f.metrics.RecordFetchAttempt(ctx, "invalid")
			lastInvalid = verr
			log.Warn("fetch: invalid payload",
				"attempt", attempt,
				"max_attempts", f.attempts,
				"bytes", len(data),
				"err", verr,
			)
			continue
		}

		f.metrics.RecordFetchAttempt(ctx, "ok")
		span.SetAttributes(attribute.Int("attempts", attempt), attribute.Int("bytes", len(data)))
		return data, nil
	}
	return nil, errors.Join(ErrUpstream, fmt.Errorf("%w after %d attempts: %w", ErrInvalidPayload, f.attempts, lastInvalid))
}

// attempt makes one breaker-guarded upstream call under the attempt timeout.
func (f *Fetcher) attempt(ctx context.Context, req Request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var data []byte
	err := f.breaker.Execute(func() error {
		var err error
		switch req.Kind {
		case KindDialogue:
			data, err = f.provider.SynthesizeDialogue(ctx, req.Lines)
		default:
			data, err = f.provider.Synthesize(ctx, req.Text, req.VoiceID)
		}
		return err
	})
	return data, err
}

func textLen(req Request) int {
	n := len(req.Text)
	for _, l := range req.Lines {
		n += len(l.Text)
	}
	return n
}

// reason labels a final fetch error for metrics.
func reason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, tts.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "upstream"
	}
}
