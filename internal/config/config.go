// Package config provides the configuration schema and loader for the speakd
// daemon.
package config

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// LogLevel controls log verbosity for the speakd server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the log handler.
type LogFormat string

const (
	LogFormatText   LogFormat = "text"
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	switch f {
	case LogFormatText, LogFormatJSON, LogFormatPretty:
		return true
	}
	return false
}

// Decoder selects how payloads are decoded for envelope extraction.
type Decoder string

const (
	// DecoderNative decodes MP3 in process.
	DecoderNative Decoder = "native"

	// DecoderFFmpeg runs an ffmpeg subprocess.
	DecoderFFmpeg Decoder = "ffmpeg"
)

// IsValid reports whether d is a recognised decoder.
func (d Decoder) IsValid() bool {
	return d == DecoderNative || d == DecoderFFmpeg
}

// Config is the root configuration structure for speakd.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Queue    QueueConfig    `yaml:"queue"`
	Playback PlaybackConfig `yaml:"playback"`
	Cache    CacheConfig    `yaml:"cache"`
	History  HistoryConfig  `yaml:"history"`
	Voices   VoicesConfig   `yaml:"voices"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on. It should stay on
	// the loopback interface (e.g., "127.0.0.1:7865").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text, json or pretty output.
	LogFormat LogFormat `yaml:"log_format"`

	// DashboardDir, when set, is served at / together with its portraits/
	// subdirectory.
	DashboardDir string `yaml:"dashboard_dir"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProviderConfig configures the upstream speech provider.
type ProviderConfig struct {
	// Name selects the provider implementation. Only "elevenlabs" is known.
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. Usually supplied through
	// ELEVENLABS_API_KEY rather than the file.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the synthesis model.
	Model string `yaml:"model"`

	// OutputFormat is the provider's audio format code.
	OutputFormat string `yaml:"output_format"`

	// DefaultVoiceID is used when a request names no voice.
	DefaultVoiceID string `yaml:"default_voice_id"`

	// Timeout bounds a single synthesis attempt.
	Timeout time.Duration `yaml:"timeout"`

	// Breaker guards the provider against repeated failures.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the upstream circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// QueueConfig tunes the scheduler and request limits.
type QueueConfig struct {
	// MaxTextLength is the longest accepted text, in characters.
	MaxTextLength int `yaml:"max_text_length"`

	// FetchAttempts is the total number of attempts made while the provider
	// returns invalid payloads.
	FetchAttempts int `yaml:"fetch_attempts"`

	// PrepareConcurrency bounds how many items prepare at once.
	PrepareConcurrency int `yaml:"prepare_concurrency"`

	// RecentHistory is the number of history entries in a queue snapshot.
	RecentHistory int `yaml:"recent_history"`
}

// PlaybackConfig configures the output process.
type PlaybackConfig struct {
	// Command is the player argv template. {file} is replaced by the audio
	// path and {offset} by the start offset in seconds. Empty selects the
	// platform default.
	Command []string `yaml:"command"`

	// Grace is added to the remaining duration before a hung player is
	// killed.
	Grace time.Duration `yaml:"grace"`

	// TempDir holds the per-session audio files. Empty uses the OS default.
	TempDir string `yaml:"temp_dir"`

	Envelope EnvelopeConfig `yaml:"envelope"`
}

// EnvelopeConfig configures lip-sync envelope extraction.
type EnvelopeConfig struct {
	// Decoder is native (default) or ffmpeg.
	Decoder Decoder `yaml:"decoder"`

	// FFmpegPath overrides the ffmpeg binary for the ffmpeg decoder.
	FFmpegPath string `yaml:"ffmpeg_path"`

	// Normalize is percentile (default), peak or fixed.
	Normalize string `yaml:"normalize"`

	// Percentile is used by the percentile mode.
	Percentile float64 `yaml:"percentile"`

	// Reference is the RMS level used by the fixed mode.
	Reference float64 `yaml:"reference"`

	// Timeout bounds one extraction.
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig configures the replay audio cache.
type CacheConfig struct {
	// Dir is the cache directory. Empty selects the user cache directory.
	Dir string `yaml:"dir"`

	// Retention is how long cached audio stays replayable.
	Retention time.Duration `yaml:"retention"`

	// PruneInterval is how often expired entries are removed.
	PruneInterval time.Duration `yaml:"prune_interval"`

	// Compress stores entries zstd-compressed.
	Compress bool `yaml:"compress"`

	// MaxSize caps the cache size in human units (e.g., "512MB"); empty means
	// unbounded.
	MaxSize string `yaml:"max_size"`
}

// MaxBytes parses MaxSize. Zero means unbounded.
func (c CacheConfig) MaxBytes() (int64, error) {
	if c.MaxSize == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("cache.max_size %q: %w", c.MaxSize, err)
	}
	return int64(n), nil
}

// HistoryConfig configures the history store.
type HistoryConfig struct {
	// Capacity is the number of entries kept.
	Capacity int `yaml:"capacity"`
}

// VoicesConfig configures the voice roster and name resolution.
type VoicesConfig struct {
	// File is the roster JSON file. A missing file means an empty roster.
	File string `yaml:"file"`

	// Watch reloads the roster when the file changes. Default: true.
	Watch *bool `yaml:"watch"`

	// CatalogueTTL is how long the provider's voice list is cached.
	CatalogueTTL time.Duration `yaml:"catalogue_ttl"`
}

// WatchEnabled reports whether roster hot reload is on.
func (v VoicesConfig) WatchEnabled() bool { return v.Watch == nil || *v.Watch }
