package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/speakd/internal/observe"
	"github.com/MrWong99/speakd/internal/resilience"
	"github.com/MrWong99/speakd/pkg/audio/mp3/mp3test"
	"github.com/MrWong99/speakd/pkg/provider/tts"
	"github.com/MrWong99/speakd/pkg/provider/tts/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newFetcher(t *testing.T, p tts.Provider, opts ...Option) *Fetcher {
	t.Helper()
	return New(p, append([]Option{WithMetrics(testMetrics(t))}, opts...)...)
}

var garbage = []byte(`{"detail":"quota_exceeded"}`)

func TestFetch_Speak(t *testing.T) {
	t.Parallel()

	good := mp3test.Silence(4)
	p := &mock.Provider{Audio: good}
	f := newFetcher(t, p)

	got, err := f.Fetch(context.Background(), Request{Kind: KindSpeak, Text: "hello", VoiceID: "v1"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != len(good) {
		t.Errorf("len = %d, want %d", len(got), len(good))
	}
	if len(p.SynthesizeCalls) != 1 || p.SynthesizeCalls[0].VoiceID != "v1" || p.SynthesizeCalls[0].Text != "hello" {
		t.Errorf("calls = %+v", p.SynthesizeCalls)
	}
}

func TestFetch_Dialogue(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Audio: mp3test.Silence(4)}
	f := newFetcher(t, p)

	lines := []tts.DialogueLine{{VoiceID: "a", Text: "one"}, {VoiceID: "b", Text: "two"}}
	if _, err := f.Fetch(context.Background(), Request{Kind: KindDialogue, Lines: lines}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(p.SynthesizeDialogueCalls) != 1 || len(p.SynthesizeDialogueCalls[0].Lines) != 2 {
		t.Errorf("dialogue calls = %+v", p.SynthesizeDialogueCalls)
	}
	if len(p.SynthesizeCalls) != 0 {
		t.Error("speak endpoint must not be used for dialogue")
	}
}

func TestFetch_RetriesInvalidPayload(t *testing.T) {
	t.Parallel()

	good := mp3test.Silence(4)
	p := &mock.Provider{Responses: []mock.Response{
		{Audio: garbage},
		{Audio: garbage},
		{Audio: good},
	}}
	f := newFetcher(t, p)

	got, err := f.Fetch(context.Background(), Request{Kind: KindSpeak, Text: "x", VoiceID: "v"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != len(good) {
		t.Error("expected the valid third payload")
	}
	if p.Calls() != 3 {
		t.Errorf("calls = %d, want 3", p.Calls())
	}
}

func TestFetch_InvalidAfterAllAttempts(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Audio: garbage}
	f := newFetcher(t, p)

	_, err := f.Fetch(context.Background(), Request{Kind: KindSpeak, Text: "x", VoiceID: "v"})
	if !errors.Is(err, ErrUpstream) || !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrUpstream and ErrInvalidPayload", err)
	}
	if p.Calls() != 3 {
		t.Errorf("calls = %d, want 3", p.Calls())
	}
}

func TestFetch_UpstreamErrorNotRetried(t *testing.T) {
	t.Parallel()

	boom := &tts.StatusError{Op: "text-to-speech", Status: 401}
	p := &mock.Provider{Err: boom}
	f := newFetcher(t, p)

	_, err := f.Fetch(context.Background(), Request{Kind: KindSpeak, Text: "x", VoiceID: "v"})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if errors.Is(err, ErrInvalidPayload) {
		t.Error("transport errors must not be reported as invalid payloads")
	}
	if !errors.Is(err, tts.ErrUnauthorized) {
		t.Error("provider error should stay in the chain")
	}
	if p.Calls() != 1 {
		t.Errorf("calls = %d, want 1", p.Calls())
	}
}

func TestFetch_CustomAttemptsAndValidator(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Audio: []byte("anything")}
	calls := 0
	f := newFetcher(t, p,
		WithAttempts(5),
		WithValidator(func([]byte) error {
			calls++
			if calls < 5 {
				return errors.New("nope")
			}
			return nil
		}),
	)
	if _, err := f.Fetch(context.Background(), Request{Kind: KindSpeak, Text: "x", VoiceID: "v"}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if p.Calls() != 5 {
		t.Errorf("calls = %d, want 5", p.Calls())
	}
}

func TestFetch_AttemptTimeout(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Block: make(chan struct{})}
	f := newFetcher(t, p, WithTimeout(10*time.Millisecond))

	_, err := f.Fetch(context.Background(), Request{Kind: KindSpeak, Text: "x", VoiceID: "v"})
	if !errors.Is(err, ErrUpstream) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want upstream deadline", err)
	}
}

func TestFetch_Cancelled(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Block: make(chan struct{})}
	f := newFetcher(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := f.Fetch(ctx, Request{Kind: KindSpeak, Text: "x", VoiceID: "v"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrUpstream) {
		t.Error("cancellation is not an upstream failure")
	}
}

func TestFetch_BreakerOpens(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Err: errors.New("connection refused")}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "test", MaxFailures: 2, ResetTimeout: time.Hour})
	f := newFetcher(t, p, WithBreaker(cb))

	req := Request{Kind: KindSpeak, Text: "x", VoiceID: "v"}
	for range 2 {
		f.Fetch(context.Background(), req)
	}
	_, err := f.Fetch(context.Background(), req)
	if !errors.Is(err, resilience.ErrCircuitOpen) || !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want open breaker wrapped in ErrUpstream", err)
	}
	if p.Calls() != 2 {
		t.Errorf("calls = %d, want 2 (third rejected by breaker)", p.Calls())
	}
}

func TestReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{err: context.Canceled, want: "canceled"},
		{err: errors.Join(ErrUpstream, ErrInvalidPayload), want: "invalid_payload"},
		{err: resilience.ErrCircuitOpen, want: "circuit_open"},
		{err: &tts.StatusError{Status: 403}, want: "unauthorized"},
		{err: context.DeadlineExceeded, want: "timeout"},
		{err: errors.New("eof"), want: "upstream"},
	}
	for _, tt := range tests {
		if got := reason(tt.err); got != tt.want {
			t.Errorf("reason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
