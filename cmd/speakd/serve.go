package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"

	"github.com/MrWong99/speakd/internal/app"
	"github.com/MrWong99/speakd/internal/config"
	"github.com/MrWong99/speakd/internal/observe"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon (default)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Server.LogLevel, cfg.Server.LogFormat))

	slog.Info("speakd starting",
		"config", configFile,
		"listen_addr", cfg.Server.ListenAddr,
		"voices_file", cfg.Voices.File,
		"cache_dir", cfg.Cache.Dir,
		"player", cfg.Playback.Command,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: app.Version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	application, err := app.New(ctx, cfg, app.WithMetricsHandler(tel.Handler))
	if err != nil {
		return err
	}

	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down")
	err = errors.Join(runErr, application.Shutdown(shutdownCtx), tel.Shutdown(shutdownCtx))
	if err != nil {
		return err
	}
	slog.Info("goodbye")
	return nil
}

// loadConfig reads the config file named by --config, or the per-user
// default, and applies --log-level.
func loadConfig() (*config.Config, error) {
	if configFile == "" {
		path, err := gap.NewScope(gap.User, config.AppName).ConfigPath("config.yaml")
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		configFile = path
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		lvl := config.LogLevel(logLevel)
		if !lvl.IsValid() {
			return nil, fmt.Errorf("--log-level %q is invalid; valid values: debug, info, warn, error", logLevel)
		}
		cfg.Server.LogLevel = lvl
	}
	return cfg, nil
}

// newLogger builds the process logger. The pretty format uses
// charmbracelet/log, which doubles as a slog handler.
func newLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case config.LogFormatJSON:
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	case config.LogFormatPretty:
		return slog.New(log.NewWithOptions(os.Stderr, log.Options{
			Level:           log.Level(lvl),
			ReportTimestamp: true,
			Prefix:          "speakd",
		}))
	default:
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
}
