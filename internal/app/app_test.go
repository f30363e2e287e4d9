package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/speakd/internal/app"
	"github.com/MrWong99/speakd/internal/config"
	"github.com/MrWong99/speakd/internal/observe"
	"github.com/MrWong99/speakd/internal/voice"
	audiomock "github.com/MrWong99/speakd/pkg/audio/mock"
	"github.com/MrWong99/speakd/pkg/audio/mp3/mp3test"
	ttsmock "github.com/MrWong99/speakd/pkg/provider/tts/mock"
)

// testConfig returns a validated config rooted in temp directories. roster,
// when non-empty, is written as the voices file.
func testConfig(t *testing.T, roster string, mutate ...func(*config.Config)) *config.Config {
	t.Helper()
	dir := t.TempDir()
	voicesFile := filepath.Join(dir, "voices.json")
	if roster != "" {
		if err := os.WriteFile(voicesFile, []byte(roster), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	noWatch := false
	cfg := &config.Config{
		Provider: config.ProviderConfig{APIKey: "test-key", DefaultVoiceID: "default-voice"},
		Playback: config.PlaybackConfig{Command: []string{"true", "{file}"}, TempDir: dir},
		Cache:    config.CacheConfig{Dir: filepath.Join(dir, "cache")},
		Voices:   config.VoicesConfig{File: voicesFile, Watch: &noWatch},
	}
	for _, m := range mutate {
		m(cfg)
	}
	cfg, err := config.Finish(cfg, nil)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(metric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *ttsmock.Provider, *audiomock.Output) {
	t.Helper()
	provider := &ttsmock.Provider{Audio: mp3test.Silence(40)}
	out := &audiomock.Output{NativeSeek: true}
	opts = append([]app.Option{
		app.WithTTSProvider(provider),
		app.WithOutput(out),
		app.WithMetrics(testMetrics(t)),
	}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a, provider, out
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestNew_SpeakPlaysThroughOutput(t *testing.T) {
	t.Parallel()
	a, provider, out := newApp(t, testConfig(t, `[{"name":"Alice","id":"alice-id"}]`))

	rec := post(t, a.Handler(), "/speak", `{"text":"Hello","voice":"Alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !out.WaitStarts(1, 3*time.Second) {
		t.Fatal("output never started")
	}
	calls := provider.SynthesizeCalls
	if len(calls) != 1 || calls[0].VoiceID != "alice-id" || calls[0].Text != "Hello" {
		t.Errorf("synthesize calls = %+v", calls)
	}
	if got := a.Scheduler().Size(); got != 1 {
		t.Errorf("queue size = %d, want 1", got)
	}
}

func TestNew_DefaultVoice(t *testing.T) {
	t.Parallel()
	a, provider, out := newApp(t, testConfig(t, ""))

	if rec := post(t, a.Handler(), "/speak", `{"text":"Hi"}`); rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !out.WaitStarts(1, 3*time.Second) {
		t.Fatal("output never started")
	}
	if got := provider.SynthesizeCalls[0].VoiceID; got != "default-voice" {
		t.Errorf("voice = %q", got)
	}
}

func TestNew_MalformedRoster(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, `{"not":"a list"}`)
	_, err := app.New(context.Background(), cfg,
		app.WithTTSProvider(&ttsmock.Provider{}),
		app.WithOutput(&audiomock.Output{}),
		app.WithMetrics(testMetrics(t)),
	)
	if !errors.Is(err, voice.ErrMalformed) {
		t.Fatalf("err = %v, want voice.ErrMalformed", err)
	}
}

func TestNew_NoAPIKey(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "", func(c *config.Config) { c.Provider.APIKey = "" })
	a, err := app.New(context.Background(), cfg,
		app.WithOutput(&audiomock.Output{}),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	rec := post(t, a.Handler(), "/speak", `{"text":"Hi"}`)
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "ELEVENLABS_API_KEY not set") {
		t.Errorf("response = %d %s", rec.Code, rec.Body.String())
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	a, _, _ := newApp(t, testConfig(t, ""), app.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var body struct {
		Status    string `json:"status"`
		Version   string `json:"version"`
		QueueSize int    `json:"queue_size"`
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err == nil {
			err = json.NewDecoder(resp.Body).Decode(&body)
			resp.Body.Close()
			if err == nil {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("health never answered: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if body.Status != "ok" || body.Version != app.Version {
		t.Errorf("health = %+v", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ListenFailure(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig(t, "", func(c *config.Config) { c.Server.ListenAddr = ln.Addr().String() })
	a, _, _ := newApp(t, cfg)
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected bind error")
	}
}

func TestRosterReload(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, `[{"name":"Alice","id":"alice-id"}]`, func(c *config.Config) { c.Voices.Watch = nil })
	a, _, _ := newApp(t, cfg)

	if err := os.WriteFile(cfg.Voices.File, []byte(`[{"name":"Alice","id":"alice-id"},{"name":"Bob","id":"bob-id"}]`), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/voices", nil))
		if strings.Contains(rec.Body.String(), "bob-id") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("roster not reloaded: %s", rec.Body.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a, _, _ := newApp(t, testConfig(t, ""))
	ctx := context.Background()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
