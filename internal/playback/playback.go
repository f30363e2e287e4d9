// Package playback owns the single active audio output process.
//
// A [Controller] plays one [Track] at a time through an [audio.Output]. It
// tracks elapsed time from a wall-clock anchor so the position survives
// pause, resume and seek, each of which respawns the output process at the
// right offset. Exactly one [Result] is delivered per [Session].
package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/speakd/pkg/audio"
	"github.com/MrWong99/speakd/pkg/audio/mp3"
)

// ErrStart is returned when the output process cannot be spawned.
var ErrStart = errors.New("playback: failed to start output")

// ErrIdle is returned by controller operations when no session is active.
var ErrIdle = errors.New("playback: nothing playing")

const (
	defaultGrace       = 3 * time.Second
	defaultReapTimeout = 2 * time.Second
)

// Reason describes why a session ended.
type Reason string

const (
	ReasonCompleted Reason = "completed"
	ReasonFailed    Reason = "failed"
	ReasonStopped   Reason = "stopped"
)

// Result is delivered once on [Session.Done].
type Result struct {
	Reason Reason
	Err    error
}

// Track is the audio handed to [Controller.Start].
type Track struct {
	Data []byte

	// Duration is zero when unknown.
	Duration time.Duration
}

// Trimmer writes the part of an MP3 payload from offset onwards to w, in a
// format the output can play.
type Trimmer func(w io.WriteSeeker, data []byte, offset time.Duration) error

// Option configures a [Controller].
type Option func(*Controller)

// WithTrimmer overrides how files are cut for outputs that cannot seek.
// Default: [mp3.TrimWAV].
func WithTrimmer(t Trimmer) Option {
	return func(c *Controller) {
		if t != nil {
			c.trim = t
		}
	}
}

// WithGrace sets how long past the expected end an output may run before it
// is killed. Default: 3s.
func WithGrace(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.grace = d
		}
	}
}

// WithReapTimeout bounds how long a kill waits for the process to exit.
// Default: 2s.
func WithReapTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.reapTimeout = d
		}
	}
}

// WithTempDir sets where audio files are written. Default: [os.TempDir].
func WithTempDir(dir string) Option {
	return func(c *Controller) { c.tempDir = dir }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Controller plays at most one session at a time.
type Controller struct {
	out         audio.Output
	trim        Trimmer
	grace       time.Duration
	reapTimeout time.Duration
	tempDir     string
	now         func() time.Time

	mu      sync.Mutex
	current *Session
}

// New creates a controller that plays through out.
func New(out audio.Output, opts ...Option) *Controller {
	c := &Controller{
		out:         out,
		trim:        mp3.TrimWAV,
		grace:       defaultGrace,
		reapTimeout: defaultReapTimeout,
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start stops any active session and begins playing t from the start.
func (c *Controller) Start(t Track) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		c.current.Stop()
		c.current = nil
	}

	f, err := os.CreateTemp(c.tempDir, "speakd-*.mp3")
	if err != nil {
		return nil, fmt.Errorf("%w: temp file: %w", ErrStart, err)
	}
	_, werr := f.Write(t.Data)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("%w: write temp file: %w", ErrStart, err)
	}

	s := &Session{
		c:        c,
		data:     t.Data,
		path:     f.Name(),
		duration: t.Duration,
		done:     make(chan Result, 1),
	}
	s.mu.Lock()
	err = s.spawnLocked(s.path, 0, 0)
	s.mu.Unlock()
	if err != nil {
		os.Remove(s.path)
		return nil, err
	}
	c.current = s
	return s, nil
}

// Current returns the active session, or nil.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.Finished() {
		c.current = nil
	}
	return c.current
}

// Pause holds the active session. See [Session.Pause].
func (c *Controller) Pause() error {
	s := c.Current()
	if s == nil {
		return ErrIdle
	}
	s.Pause()
	return nil
}

// Resume releases a held session. See [Session.Resume].
func (c *Controller) Resume() error {
	s := c.Current()
	if s == nil {
		return ErrIdle
	}
	return s.Resume()
}

// Seek moves the active session. See [Session.Seek].
func (c *Controller) Seek(offset time.Duration) error {
	s := c.Current()
	if s == nil {
		return ErrIdle
	}
	return s.Seek(offset)
}

// Stop ends the active session, if any.
func (c *Controller) Stop() {
	if s := c.Current(); s != nil {
		s.Stop()
	}
}

// Session is one playback of a track. Methods are safe for concurrent use.
type Session struct {
	c        *Controller
	data     []byte
	path     string
	duration time.Duration

	mu       sync.Mutex
	offset   time.Duration
	anchor   time.Time
	held     bool
	starting bool // respawn in progress, position frozen
	proc     audio.Process
	reaped   chan struct{}
	trimmed  string
	deadline *time.Timer
	gen      int
	finished bool

	done chan Result
}

// Done yields exactly one [Result] when the session ends.
func (s *Session) Done() <-chan Result { return s.done }

// Duration returns the track duration, or zero when unknown.
func (s *Session) Duration() time.Duration { return s.duration }

// Finished reports whether the session has ended.
func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Held reports whether the session is paused.
func (s *Session) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// Elapsed returns the current playback position.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

// Remaining returns the time left to play, or zero when the duration is
// unknown.
func (s *Session) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.duration <= 0 {
		return 0
	}
	return s.duration - s.elapsedLocked()
}

func (s *Session) elapsedLocked() time.Duration {
	e := s.offset
	if !s.held && !s.starting && !s.finished {
		e += s.c.now().Sub(s.anchor)
	}
	if e < 0 {
		e = 0
	}
	if s.duration > 0 && e > s.duration {
		e = s.duration
	}
	return e
}

// Pause kills the output and freezes the position. Pausing a held or
// finished session does nothing.
func (s *Session) Pause() {
	s.mu.Lock()
	if s.finished || s.held {
		s.mu.Unlock()
		return
	}
	s.offset = s.elapsedLocked()
	s.held = true
	s.starting = false
	reaped := s.killLocked()
	s.mu.Unlock()
	s.awaitReap(reaped)
}

// Resume respawns the output at the frozen position. A spawn failure ends
// the session as failed and is returned wrapped in [ErrStart].
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.finished || !s.held {
		s.mu.Unlock()
		return nil
	}
	s.held = false
	s.starting = true
	s.gen++
	gen, reaped, offset := s.gen, s.reaped, s.offset
	s.mu.Unlock()
	return s.respawn(gen, reaped, offset)
}

// Seek moves playback to offset, clamped to the track. On a held session
// only the frozen position moves. Seeking to or past the end completes the
// session.
func (s *Session) Seek(offset time.Duration) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	offset = max(offset, 0)
	if s.duration > 0 && offset >= s.duration {
		reaped := s.killLocked()
		s.offset = s.duration
		s.finishLocked(Result{Reason: ReasonCompleted})
		s.mu.Unlock()
		s.awaitReap(reaped)
		return nil
	}
	s.offset = offset
	if s.held {
		s.mu.Unlock()
		return nil
	}
	reaped := s.killLocked()
	s.starting = true
	gen := s.gen
	s.mu.Unlock()
	return s.respawn(gen, reaped, offset)
}

// Stop kills the output and ends the session as stopped. It waits, bounded,
// for the process to exit, also when the session had already ended.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.finished {
		s.offset = s.elapsedLocked()
		s.killLocked()
		s.finishLocked(Result{Reason: ReasonStopped})
	}
	reaped := s.reaped
	s.mu.Unlock()
	s.awaitReap(reaped)
}

// respawn starts the output at offset once the previous process has exited.
// The reap wait and the trim run without the session lock; gen discards the
// result when a pause, seek or stop happened in the meantime.
func (s *Session) respawn(gen int, reaped <-chan struct{}, offset time.Duration) error {
	s.awaitReap(reaped)

	path, trimmed, err := s.path, "", error(nil)
	if offset > 0 && !audio.SeeksNatively(s.c.out) {
		trimmed, err = s.trimFile(offset)
		if err != nil {
			err = fmt.Errorf("%w: trim to %v: %w", ErrStart, offset, err)
		}
		path = trimmed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.finished {
		if trimmed != "" {
			os.Remove(trimmed)
		}
		return nil
	}
	if err == nil && trimmed != "" {
		s.removeTrimmedLocked()
		s.trimmed = trimmed
		err = s.spawnLocked(path, 0, offset)
	} else if err == nil {
		err = s.spawnLocked(path, offset, offset)
	}
	if err != nil {
		s.finishLocked(Result{Reason: ReasonFailed, Err: err})
		return err
	}
	return nil
}

// spawnLocked starts the output on path at start and arms the safety
// deadline. offset is the track position that start corresponds to.
func (s *Session) spawnLocked(path string, start, offset time.Duration) error {
	proc, err := s.c.out.Start(context.Background(), path, start)
	if err != nil {
		s.starting = false
		return fmt.Errorf("%w: %w", ErrStart, err)
	}

	s.gen++
	gen := s.gen
	s.proc = proc
	s.offset = offset
	s.starting = false
	s.anchor = s.c.now()
	reaped := make(chan struct{})
	s.reaped = reaped
	go func() {
		err := proc.Wait()
		close(reaped)
		s.exited(gen, err)
	}()

	if s.duration > 0 {
		wait := s.duration - offset + s.c.grace
		s.deadline = time.AfterFunc(wait, func() { s.expired(gen) })
	}
	return nil
}

// trimFile writes the track from offset to a new temp file for outputs that
// cannot seek.
func (s *Session) trimFile(offset time.Duration) (string, error) {
	f, err := os.CreateTemp(s.c.tempDir, "speakd-*.wav")
	if err != nil {
		return "", err
	}
	terr := s.c.trim(f, s.data, offset)
	cerr := f.Close()
	if err := errors.Join(terr, cerr); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// killLocked signals the current process and invalidates its watchers. It
// returns the channel closed once the process is reaped; callers wait on it
// with [Session.awaitReap] after releasing the lock, so a later spawn never
// overlaps it.
func (s *Session) killLocked() <-chan struct{} {
	s.gen++
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
	if s.proc != nil {
		if err := s.proc.Kill(); err != nil {
			slog.Warn("playback: kill output", "err", err)
		}
		s.proc = nil
	}
	return s.reaped
}

func (s *Session) awaitReap(reaped <-chan struct{}) {
	if reaped == nil {
		return
	}
	select {
	case <-reaped:
	case <-time.After(s.c.reapTimeout):
		slog.Warn("playback: output did not exit after kill", "timeout", s.c.reapTimeout)
	}
}

// exited handles a process exit the controller did not cause.
func (s *Session) exited(gen int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.finished {
		return
	}
	s.proc = nil
	s.offset = s.elapsedLocked()
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
	if err != nil {
		s.finishLocked(Result{Reason: ReasonFailed, Err: fmt.Errorf("playback: output exited: %w", err)})
		return
	}
	s.finishLocked(Result{Reason: ReasonCompleted})
}

// expired kills an output that ran past its expected end.
func (s *Session) expired(gen int) {
	s.mu.Lock()
	if gen != s.gen || s.finished {
		s.mu.Unlock()
		return
	}
	slog.Warn("playback: output ran past expected end, killing", "duration", s.duration)
	reaped := s.killLocked()
	s.offset = s.duration
	s.finishLocked(Result{Reason: ReasonCompleted})
	s.mu.Unlock()
	s.awaitReap(reaped)
}

func (s *Session) finishLocked(r Result) {
	if s.finished {
		return
	}
	s.finished = true
	s.starting = false
	s.removeTrimmedLocked()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("playback: remove temp file", "path", s.path, "err", err)
	}
	s.done <- r
}

func (s *Session) removeTrimmedLocked() {
	if s.trimmed == "" {
		return
	}
	os.Remove(s.trimmed)
	s.trimmed = ""
}
