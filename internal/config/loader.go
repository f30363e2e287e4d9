package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	gap "github.com/muesli/go-app-paths"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/speakd/internal/envelope"
	"github.com/MrWong99/speakd/pkg/audio"
)

// AppName scopes the per-user directories.
const AppName = "speakd"

// Defaults applied by [ApplyDefaults].
const (
	DefaultPort          = 7865
	DefaultMaxTextLength = 10000
	DefaultProvider      = "elevenlabs"
	DefaultModel         = "eleven_v3"
)

// ValidProviderNames lists the known provider implementations.
var ValidProviderNames = []string{"elevenlabs"}

// Environment carries the variables that override file settings.
type Environment struct {
	APIKey     string `env:"ELEVENLABS_API_KEY"`
	VoiceID    string `env:"ELEVENLABS_VOICE_ID"`
	Model      string `env:"ELEVENLABS_MODEL"`
	Port       int    `env:"SPEAK_PORT"`
	CacheDir   string `env:"SPEAK_CACHE_DIR"`
	VoicesFile string `env:"SPEAK_VOICES_FILE"`
	LogLevel   string `env:"SPEAK_LOG_LEVEL"`
}

// Load reads the YAML configuration file at path, applies the process
// environment and defaults, and returns a validated [Config]. A missing file
// is not an error: the environment and defaults alone are used.
func Load(path string) (*Config, error) {
	environ := env.ToMap(os.Environ())

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("config: file not found, using defaults", "path", path)
		return Finish(&Config{}, environ)
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return Finish(cfg, environ)
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted, which makes it
// suitable for tests.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	return Finish(cfg, nil)
}

// Finish applies environ, then defaults, then validates cfg.
func Finish(cfg *Config, environ map[string]string) (*Config, error) {
	if err := ApplyEnv(cfg, environ); err != nil {
		return nil, err
	}
	if err := ApplyDefaults(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays the variables of [Environment] found in environ onto
// cfg. Unset variables leave the file value alone.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	if environ == nil {
		return nil
	}
	e, err := env.ParseAsWithOptions[Environment](env.Options{Environment: environ})
	if err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	if e.APIKey != "" {
		cfg.Provider.APIKey = e.APIKey
	}
	if e.VoiceID != "" {
		cfg.Provider.DefaultVoiceID = e.VoiceID
	}
	if e.Model != "" {
		cfg.Provider.Model = e.Model
	}
	if e.Port != 0 {
		cfg.Server.ListenAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(e.Port))
	}
	if e.CacheDir != "" {
		cfg.Cache.Dir = e.CacheDir
	}
	if e.VoicesFile != "" {
		cfg.Voices.File = e.VoicesFile
	}
	if e.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(e.LogLevel)
	}
	return nil
}

// ApplyDefaults fills every unset field.
func ApplyDefaults(cfg *Config) error {
	scope := gap.NewScope(gap.User, AppName)

	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(DefaultPort))
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogFormatText
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 10 * time.Second
	}

	p := &cfg.Provider
	if p.Name == "" {
		p.Name = DefaultProvider
	}
	if p.Model == "" {
		p.Model = DefaultModel
	}
	if p.Timeout == 0 {
		p.Timeout = 60 * time.Second
	}
	if p.Breaker.MaxFailures == 0 {
		p.Breaker.MaxFailures = 5
	}
	if p.Breaker.ResetTimeout == 0 {
		p.Breaker.ResetTimeout = 30 * time.Second
	}

	q := &cfg.Queue
	if q.MaxTextLength == 0 {
		q.MaxTextLength = DefaultMaxTextLength
	}
	if q.FetchAttempts == 0 {
		q.FetchAttempts = 3
	}
	if q.PrepareConcurrency == 0 {
		q.PrepareConcurrency = 2
	}
	if q.RecentHistory == 0 {
		q.RecentHistory = 20
	}

	pb := &cfg.Playback
	if len(pb.Command) == 0 {
		pb.Command = audio.DefaultCommand()
	}
	if pb.Grace == 0 {
		pb.Grace = 3 * time.Second
	}
	ev := &pb.Envelope
	if ev.Decoder == "" {
		ev.Decoder = DecoderNative
	}
	def := envelope.DefaultNormalizer()
	if ev.Normalize == "" {
		ev.Normalize = string(def.Mode)
	}
	if ev.Percentile == 0 {
		ev.Percentile = def.Percentile
	}
	if ev.Reference == 0 {
		ev.Reference = def.Reference
	}
	if ev.Timeout == 0 {
		ev.Timeout = 30 * time.Second
	}

	c := &cfg.Cache
	if c.Dir == "" {
		dir, err := scope.CacheDir()
		if err != nil {
			return fmt.Errorf("config: resolve cache dir: %w", err)
		}
		c.Dir = dir
	}
	if c.Retention == 0 {
		c.Retention = 24 * time.Hour
	}
	if c.PruneInterval == 0 {
		c.PruneInterval = time.Hour
	}

	if cfg.History.Capacity == 0 {
		cfg.History.Capacity = 1000
	}

	v := &cfg.Voices
	if v.File == "" {
		path, err := scope.ConfigPath("voices.json")
		if err != nil {
			return fmt.Errorf("config: resolve voices file: %w", err)
		}
		v.File = path
	}
	if v.CatalogueTTL == 0 {
		v.CatalogueTTL = 10 * time.Minute
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json, pretty", cfg.Server.LogFormat))
	}
	if cfg.Server.ListenAddr != "" {
		host, _, err := net.SplitHostPort(cfg.Server.ListenAddr)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("server.listen_addr %q: %w", cfg.Server.ListenAddr, err))
		case !isLoopback(host):
			slog.Warn("server.listen_addr is not a loopback address; the API has no authentication",
				"listen_addr", cfg.Server.ListenAddr)
		}
	}

	// Provider
	if cfg.Provider.Name != "" && cfg.Provider.Name != DefaultProvider {
		errs = append(errs, fmt.Errorf("provider.name %q is invalid; valid values: %v", cfg.Provider.Name, ValidProviderNames))
	}
	if cfg.Provider.Timeout < 0 {
		errs = append(errs, fmt.Errorf("provider.timeout %s must not be negative", cfg.Provider.Timeout))
	}
	if cfg.Provider.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("provider.breaker.max_failures %d must not be negative", cfg.Provider.Breaker.MaxFailures))
	}

	// Queue
	if cfg.Queue.MaxTextLength < 0 {
		errs = append(errs, fmt.Errorf("queue.max_text_length %d must be positive", cfg.Queue.MaxTextLength))
	}
	if cfg.Queue.FetchAttempts < 0 || cfg.Queue.FetchAttempts > 10 {
		errs = append(errs, fmt.Errorf("queue.fetch_attempts %d is out of range [1, 10]", cfg.Queue.FetchAttempts))
	}
	if cfg.Queue.PrepareConcurrency < 0 {
		errs = append(errs, fmt.Errorf("queue.prepare_concurrency %d must be positive", cfg.Queue.PrepareConcurrency))
	}

	// Playback
	if len(cfg.Playback.Command) > 0 {
		if _, err := audio.NewCommandOutput(cfg.Playback.Command); err != nil {
			errs = append(errs, fmt.Errorf("playback.command: %w", err))
		}
	}
	ev := cfg.Playback.Envelope
	if ev.Decoder != "" && !ev.Decoder.IsValid() {
		errs = append(errs, fmt.Errorf("playback.envelope.decoder %q is invalid; valid values: native, ffmpeg", ev.Decoder))
	}
	if ev.Normalize != "" {
		n := envelope.Normalizer{Mode: envelope.Mode(ev.Normalize), Percentile: ev.Percentile, Reference: ev.Reference}
		if err := n.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("playback.envelope: %w", err))
		}
	}

	// Cache
	if _, err := cfg.Cache.MaxBytes(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Cache.Retention < 0 {
		errs = append(errs, fmt.Errorf("cache.retention %s must not be negative", cfg.Cache.Retention))
	}

	// History
	if cfg.History.Capacity < 0 {
		errs = append(errs, fmt.Errorf("history.capacity %d must be positive", cfg.History.Capacity))
	}

	return errors.Join(errs...)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
