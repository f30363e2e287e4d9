// Package api serves the speakd HTTP interface: speech requests, queue and
// playback control, history, voices, health, metrics and the live event
// streams.
//
// The server is meant to listen on the loopback interface only. Browser POSTs
// from non-local origins are rejected so that a web page cannot drive the
// daemon.
package api

import (
	"context"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/speakd/internal/events"
	"github.com/MrWong99/speakd/internal/health"
	"github.com/MrWong99/speakd/internal/history"
	"github.com/MrWong99/speakd/internal/observe"
	"github.com/MrWong99/speakd/internal/queue"
	"github.com/MrWong99/speakd/internal/voice"
)

const (
	defaultMaxTextLength = 10000
	maxBodyBytes         = 1 << 20
)

// Queue is the scheduler surface the API drives. [*queue.Scheduler]
// satisfies it.
type Queue interface {
	Enqueue(r queue.Request) (queue.Accepted, error)
	EnqueueReplay(id string) (queue.Accepted, error)
	Skip() bool
	Clear(channel string) int
	Pause(channel string)
	Resume(channel string)
	Seek(offset time.Duration) bool
	Hold() bool
	Release() bool
	Status(channel string) queue.Snapshot
	Subscribe() (events.Event, *events.Subscription, error)
}

// Resolver maps request voice names to provider ids. [*voice.Resolver]
// satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, name string) (voice.Resolution, error)
	Roster() *voice.Roster
}

var (
	_ Queue    = (*queue.Scheduler)(nil)
	_ Resolver = (*voice.Resolver)(nil)
)

// Option configures a [Server].
type Option func(*Server)

// WithMaxTextLength sets the longest accepted text in characters.
// Default: 10000.
func WithMaxTextLength(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxText = n
		}
	}
}

// WithAPIKeyConfigured reports whether the upstream provider has credentials.
// Speech requests fail with 500 when it is false. Default: true.
func WithAPIKeyConfigured(ok bool) Option {
	return func(s *Server) { s.hasAPIKey = ok }
}

// WithDashboardDir serves index.html and portraits/ from dir.
func WithDashboardDir(dir string) Option {
	return func(s *Server) { s.dashboardDir = dir }
}

// WithHealth mounts the health handler.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithKeepAlive sets the SSE keepalive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) { s.keepAlive = d }
}

// Server holds the handler dependencies. It is safe for concurrent use.
type Server struct {
	queue    Queue
	history  *history.Store
	resolver Resolver

	maxText        int
	hasAPIKey      bool
	dashboardDir   string
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	keepAlive      time.Duration
}

// New creates a Server.
func New(q Queue, hist *history.Store, res Resolver, opts ...Option) *Server {
	s := &Server{
		queue:     q,
		history:   hist,
		resolver:  res,
		maxText:   defaultMaxTextLength,
		hasAPIKey: true,
		keepAlive: events.DefaultKeepAlive,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the complete routed handler, wrapped in the origin guard
// and the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /speak", s.handleSpeak)
	mux.HandleFunc("POST /speak/dialogue", s.handleDialogue)

	mux.HandleFunc("GET /queue", s.handleQueueStatus)
	mux.HandleFunc("POST /queue/skip", s.handleSkip)
	mux.HandleFunc("POST /queue/pause", s.handlePause)
	mux.HandleFunc("POST /queue/resume", s.handleResume)
	mux.HandleFunc("POST /queue/seek", s.handleSeek)
	mux.HandleFunc("POST /queue/clear", s.handleClear)

	mux.HandleFunc("POST /playback/pause", s.handleHold)
	mux.HandleFunc("POST /playback/resume", s.handleRelease)

	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("POST /history/replay", s.handleReplay)

	mux.HandleFunc("GET /voices", s.handleVoices)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /ws", s.handleWS)

	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	if s.dashboardDir != "" {
		mux.HandleFunc("GET /{$}", s.handleIndex)
		mux.Handle("GET /portraits/", http.StripPrefix("/portraits/", portraits(filepath.Join(s.dashboardDir, "portraits"))))
	}

	return observe.Middleware(s.metrics)(LocalOriginGuard(mux))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	index := filepath.Join(s.dashboardDir, "index.html")
	if _, err := os.Stat(index); err != nil {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("<h1>Dashboard not found</h1>"))
		return
	}
	http.ServeFile(w, r, index)
}

var portraitTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

// portraits serves image files from dir. Other files and directories are
// not served.
func portraits(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Clean("/" + r.URL.Path)
		ctype, ok := portraitTypes[strings.ToLower(path.Ext(name))]
		if !ok {
			http.NotFound(w, r)
			return
		}
		f, err := http.Dir(dir).Open(name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", ctype)
		http.ServeContent(w, r, name, info.ModTime(), f)
	})
}
