// Package app wires all speakd subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until its context ends, and Shutdown
// tears everything down in order.
//
// For testing, inject test doubles via functional options (WithTTSProvider,
// WithOutput, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/speakd/internal/api"
	"github.com/MrWong99/speakd/internal/cache"
	"github.com/MrWong99/speakd/internal/config"
	"github.com/MrWong99/speakd/internal/envelope"
	"github.com/MrWong99/speakd/internal/events"
	"github.com/MrWong99/speakd/internal/fetch"
	"github.com/MrWong99/speakd/internal/health"
	"github.com/MrWong99/speakd/internal/history"
	"github.com/MrWong99/speakd/internal/observe"
	"github.com/MrWong99/speakd/internal/playback"
	"github.com/MrWong99/speakd/internal/queue"
	"github.com/MrWong99/speakd/internal/resilience"
	"github.com/MrWong99/speakd/internal/voice"
	"github.com/MrWong99/speakd/pkg/audio"
	"github.com/MrWong99/speakd/pkg/audio/ffmpeg"
	"github.com/MrWong99/speakd/pkg/audio/mp3"
	"github.com/MrWong99/speakd/pkg/provider/tts"
	"github.com/MrWong99/speakd/pkg/provider/tts/elevenlabs"
)

// Version is reported on /health.
const Version = "2.0"

// compressionLevel is the zstd level used when cache compression is on.
const compressionLevel = 3

// errNoAPIKey is returned by the placeholder provider used when no API key
// is configured.
var errNoAPIKey = fmt.Errorf("%w: ELEVENLABS_API_KEY not set", tts.ErrUnauthorized)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Injected or built in New.
	provider       tts.Provider
	output         audio.Output
	metrics        *observe.Metrics
	metricsHandler http.Handler
	listener       net.Listener

	// Subsystems: initialised in New, torn down in Shutdown.
	cache     *cache.Disk
	history   *history.Store
	events    *events.Broadcaster
	resolver  *voice.Resolver
	watcher   *voice.Watcher
	breaker   *resilience.CircuitBreaker
	scheduler *queue.Scheduler
	server    *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTTSProvider injects a speech provider instead of creating one from
// config.
func WithTTSProvider(p tts.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithOutput injects the audio output instead of running the configured
// player command.
func WithOutput(out audio.Output) Option {
	return func(a *App) { a.output = out }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithListener serves on l instead of listening on the configured address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It fails on an
// unusable cache directory, a malformed voice roster or an invalid player
// command. A missing API key is not fatal: speech requests report it.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Cache and history ─────────────────────────────────────────────
	if err := a.initCache(); err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}
	a.history = history.NewStore(cfg.History.Capacity)
	a.events = events.New()

	// ── 2. Provider ──────────────────────────────────────────────────────
	if err := a.initProvider(); err != nil {
		return nil, fmt.Errorf("app: init provider: %w", err)
	}

	// ── 3. Voices ────────────────────────────────────────────────────────
	if err := a.initVoices(ctx); err != nil {
		return nil, fmt.Errorf("app: init voices: %w", err)
	}

	// ── 4. Queue ─────────────────────────────────────────────────────────
	if err := a.initQueue(); err != nil {
		return nil, fmt.Errorf("app: init queue: %w", err)
	}

	// ── 5. HTTP ──────────────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initCache() error {
	c := a.cfg.Cache
	maxBytes, err := c.MaxBytes()
	if err != nil {
		return err
	}
	opts := []cache.Option{cache.WithRetention(c.Retention), cache.WithMaxBytes(maxBytes)}
	if c.Compress {
		opts = append(opts, cache.WithCompression(compressionLevel))
	}
	d, err := cache.NewDisk(c.Dir, opts...)
	if err != nil {
		return err
	}
	a.cache = d
	a.closers = append(a.closers, d.Close)
	slog.Info("cache ready", "dir", d.Dir(), "retention", c.Retention, "compress", c.Compress)
	return nil
}

// initProvider builds the ElevenLabs client unless one was injected.
func (a *App) initProvider() error {
	if a.provider != nil {
		return nil
	}
	p := a.cfg.Provider
	if p.APIKey == "" {
		slog.Warn("ELEVENLABS_API_KEY not set; speech requests will be rejected")
		a.provider = unconfigured{}
		return nil
	}
	el, err := elevenlabs.New(p.APIKey,
		elevenlabs.WithModel(p.Model),
		elevenlabs.WithOutputFormat(p.OutputFormat),
		elevenlabs.WithBaseURL(p.BaseURL),
		elevenlabs.WithTimeout(p.Timeout),
	)
	if err != nil {
		return err
	}
	a.provider = el
	slog.Info("provider created", "name", p.Name, "model", el.Model())
	return nil
}

// initVoices loads the roster and, when enabled, watches it for changes.
func (a *App) initVoices(ctx context.Context) error {
	v := a.cfg.Voices
	roster, err := voice.LoadRoster(v.File)
	if err != nil {
		return err
	}
	slog.Info("voice roster loaded", "path", v.File, "voices", roster.Len())

	var catalogue voice.Catalogue
	if a.hasAPIKey() {
		catalogue = a.provider
	}
	a.resolver = voice.NewResolver(roster, a.cfg.Provider.DefaultVoiceID, catalogue,
		voice.WithCatalogueTTL(v.CatalogueTTL))

	if !v.WatchEnabled() {
		return nil
	}
	w, err := voice.NewWatcher(v.File, roster, func(_, next *voice.Roster, c voice.Change) {
		a.resolver.SetRoster(next)
		observe.Logger(ctx).Info("voice roster reloaded",
			"added", c.Added, "removed", c.Removed, "changed", c.Changed, "voices", next.Len())
	})
	if err != nil {
		// The roster still works without live reload.
		slog.Warn("voice roster watch disabled", "path", v.File, "err", err)
		return nil
	}
	a.watcher = w
	a.closers = append(a.closers, w.Close)
	return nil
}

func (a *App) initQueue() error {
	cfg := a.cfg
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "tts",
		MaxFailures:  cfg.Provider.Breaker.MaxFailures,
		ResetTimeout: cfg.Provider.Breaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})
	fetcher := fetch.New(a.provider,
		fetch.WithAttempts(cfg.Queue.FetchAttempts),
		fetch.WithTimeout(cfg.Provider.Timeout),
		fetch.WithBreaker(a.breaker),
		fetch.WithMetrics(a.metrics),
	)

	ev := cfg.Playback.Envelope
	decoder, probe := a.decoder(ev)
	extractor := envelope.New(decoder,
		envelope.WithNormalizer(envelope.Normalizer{
			Mode:       envelope.Mode(ev.Normalize),
			Percentile: ev.Percentile,
			Reference:  ev.Reference,
		}),
		envelope.WithTimeout(ev.Timeout),
	)

	if a.output == nil {
		out, err := audio.NewCommandOutput(cfg.Playback.Command)
		if err != nil {
			return err
		}
		a.output = out
	}
	player := playback.New(a.output,
		playback.WithGrace(cfg.Playback.Grace),
		playback.WithTempDir(cfg.Playback.TempDir),
	)

	s, err := queue.New(queue.Config{
		Fetcher:            fetcher,
		Cache:              a.cache,
		History:            a.history,
		Player:             player,
		Envelope:           extractor,
		Events:             a.events,
		Probe:              probe,
		Metrics:            a.metrics,
		PrepareConcurrency: cfg.Queue.PrepareConcurrency,
		RecentHistory:      cfg.Queue.RecentHistory,
	})
	if err != nil {
		return err
	}
	a.scheduler = s
	// The scheduler goes first so no playback outlives Shutdown.
	a.closers = append([]func() error{s.Close}, a.closers...)
	return nil
}

// decoder picks the envelope decoder and duration prober. The ffmpeg prober
// is only consulted when the native MP3 parser gives up.
func (a *App) decoder(ev config.EnvelopeConfig) (envelope.Decoder, queue.Prober) {
	if ev.Decoder != config.DecoderFFmpeg {
		return envelope.DecoderFunc(mp3.Decode), mp3.Probe
	}
	tool := ffmpeg.New(ffmpeg.WithFFmpeg(ev.FFmpegPath), ffmpeg.WithTimeout(ev.Timeout))
	probe := func(data []byte) (time.Duration, error) {
		if d, err := mp3.Probe(data); err == nil {
			return d, nil
		}
		return tool.Probe(context.Background(), data)
	}
	return tool, probe
}

func (a *App) initServer() {
	hh := health.New(
		health.WithVersion(Version),
		health.WithQueueSize(a.scheduler.Size),
		health.WithCheckers(
			health.Checker{Name: "cache", Check: func(context.Context) error {
				_, err := a.cache.Stats()
				return err
			}},
			health.Checker{Name: "upstream", Check: func(context.Context) error {
				if a.breaker.State() == resilience.StateOpen {
					return resilience.ErrCircuitOpen
				}
				return nil
			}},
		),
	)

	opts := []api.Option{
		api.WithMaxTextLength(a.cfg.Queue.MaxTextLength),
		api.WithAPIKeyConfigured(a.hasAPIKey()),
		api.WithDashboardDir(a.cfg.Server.DashboardDir),
		api.WithHealth(hh),
		api.WithMetrics(a.metrics),
	}
	if a.metricsHandler != nil {
		opts = append(opts, api.WithMetricsHandler(a.metricsHandler))
	}
	srv := api.New(a.scheduler, a.history, a.resolver, opts...)

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Event streams never go idle, so they are ended as soon as shutdown
	// begins.
	a.server.RegisterOnShutdown(a.events.Close)
}

func (a *App) hasAPIKey() bool {
	_, missing := a.provider.(unconfigured)
	return !missing
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the API and prunes the cache until ctx is cancelled. A failure
// to bind the listener is returned at once. When ctx is done, Run returns
// nil after the server has stopped accepting requests.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	var wg sync.WaitGroup
	pruneCtx, stopPrune := context.WithCancel(ctx)
	defer func() {
		stopPrune()
		wg.Wait()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.cache.Run(pruneCtx, a.cfg.Cache.PruneInterval)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Serve(ln)
	}()
	slog.Info("speakd listening", "addr", ln.Addr().String(), "version", Version)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	return nil
}

// Scheduler returns the queue scheduler.
func (a *App) Scheduler() *queue.Scheduler { return a.scheduler }

// Handler returns the routed HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, ends playback and releases every
// subsystem. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
		for _, c := range a.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		slog.Info("app shutdown complete")
	})
	return errors.Join(errs...)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// unconfigured stands in for the provider when no API key is set.
type unconfigured struct{}

func (unconfigured) Synthesize(context.Context, string, string) ([]byte, error) {
	return nil, errNoAPIKey
}

func (unconfigured) SynthesizeDialogue(context.Context, []tts.DialogueLine) ([]byte, error) {
	return nil, errNoAPIKey
}

func (unconfigured) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	return nil, errNoAPIKey
}
