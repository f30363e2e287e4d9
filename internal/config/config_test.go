package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/speakd/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: "127.0.0.1:9000"
  log_level: debug
  log_format: pretty
  dashboard_dir: /srv/speakd

provider:
  model: eleven_multilingual_v2
  default_voice_id: narrator-v1
  timeout: 20s
  breaker:
    max_failures: 3
    reset_timeout: 1m

queue:
  max_text_length: 5000
  prepare_concurrency: 4

playback:
  command: ["mpv", "--no-video", "--start={offset}", "{file}"]
  grace: 5s
  envelope:
    decoder: ffmpeg
    normalize: fixed
    reference: 0.25

cache:
  dir: /tmp/speakd-cache
  retention: 12h
  compress: true
  max_size: 256MB

history:
  capacity: 200

voices:
  file: /etc/speakd/voices.json
  watch: false
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != "127.0.0.1:9000" || cfg.Server.LogFormat != config.LogFormatPretty {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Provider.Timeout != 20*time.Second || cfg.Provider.Breaker.ResetTimeout != time.Minute {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Provider.DefaultVoiceID != "narrator-v1" {
		t.Errorf("default voice = %q", cfg.Provider.DefaultVoiceID)
	}
	if cfg.Queue.MaxTextLength != 5000 || cfg.Queue.FetchAttempts != 3 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Playback.Envelope.Decoder != config.DecoderFFmpeg || cfg.Playback.Envelope.Percentile != 0.95 {
		t.Errorf("envelope = %+v", cfg.Playback.Envelope)
	}
	if n, err := cfg.Cache.MaxBytes(); err != nil || n != 256_000_000 {
		t.Errorf("MaxBytes = %d, %v", n, err)
	}
	if cfg.Voices.WatchEnabled() {
		t.Error("voices.watch: false was ignored")
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "")

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, "127.0.0.1:7865"},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"log_format", cfg.Server.LogFormat, config.LogFormatText},
		{"provider", cfg.Provider.Name, "elevenlabs"},
		{"model", cfg.Provider.Model, config.DefaultModel},
		{"timeout", cfg.Provider.Timeout, 60 * time.Second},
		{"max_failures", cfg.Provider.Breaker.MaxFailures, 5},
		{"max_text_length", cfg.Queue.MaxTextLength, 10000},
		{"fetch_attempts", cfg.Queue.FetchAttempts, 3},
		{"prepare_concurrency", cfg.Queue.PrepareConcurrency, 2},
		{"recent_history", cfg.Queue.RecentHistory, 20},
		{"grace", cfg.Playback.Grace, 3 * time.Second},
		{"decoder", cfg.Playback.Envelope.Decoder, config.DecoderNative},
		{"normalize", cfg.Playback.Envelope.Normalize, "percentile"},
		{"retention", cfg.Cache.Retention, 24 * time.Hour},
		{"prune_interval", cfg.Cache.PruneInterval, time.Hour},
		{"history", cfg.History.Capacity, 1000},
		{"catalogue_ttl", cfg.Voices.CatalogueTTL, 10 * time.Minute},
		{"watch", cfg.Voices.WatchEnabled(), true},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if cfg.Cache.Dir == "" || cfg.Voices.File == "" {
		t.Errorf("cache dir %q / voices file %q not resolved", cfg.Cache.Dir, cfg.Voices.File)
	}
	if len(cfg.Playback.Command) == 0 {
		t.Error("no default playback command")
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen: 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.MaxTextLength != config.DefaultMaxTextLength {
		t.Errorf("max_text_length = %d", cfg.Queue.MaxTextLength)
	}
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speakd.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ELEVENLABS_API_KEY", "env-key")
	t.Setenv("ELEVENLABS_VOICE_ID", "env-voice")
	t.Setenv("SPEAK_PORT", "7000")
	t.Setenv("SPEAK_CACHE_DIR", "/var/cache/speakd")
	t.Setenv("SPEAK_LOG_LEVEL", "warn")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.APIKey != "env-key" || cfg.Provider.DefaultVoiceID != "env-voice" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:7000" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Cache.Dir != "/var/cache/speakd" || cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("cache dir %q, log level %q", cfg.Cache.Dir, cfg.Server.LogLevel)
	}
	// Untouched file values survive.
	if cfg.Voices.File != "/etc/speakd/voices.json" {
		t.Errorf("voices file = %q", cfg.Voices.File)
	}
}

func TestApplyEnv_BadPort(t *testing.T) {
	t.Parallel()
	err := config.ApplyEnv(&config.Config{}, map[string]string{"SPEAK_PORT": "loud"})
	if err == nil {
		t.Fatal("expected error for non-numeric SPEAK_PORT")
	}
}

// ── validation ───────────────────────────────────────────────────────────────

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"log format", "server:\n  log_format: xml\n", "server.log_format"},
		{"listen addr", "server:\n  listen_addr: nope\n", "server.listen_addr"},
		{"provider", "provider:\n  name: polly\n", "provider.name"},
		{"attempts", "queue:\n  fetch_attempts: 50\n", "queue.fetch_attempts"},
		{"command", "playback:\n  command: [\"afplay\"]\n", "playback.command"},
		{"decoder", "playback:\n  envelope:\n    decoder: sox\n", "playback.envelope.decoder"},
		{"normalize", "playback:\n  envelope:\n    normalize: loudest\n", "playback.envelope"},
		{"percentile", "playback:\n  envelope:\n    percentile: 1.5\n", "percentile"},
		{"max size", "cache:\n  max_size: lots\n", "cache.max_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
server:
  log_level: loud
  log_format: xml
provider:
  name: polly
`))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log_level", "log_format", "provider.name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}
