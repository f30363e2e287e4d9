// Package queue is the single authority over what plays next.
//
// A [Scheduler] holds two FIFO tiers of items (priority and normal), a
// global pause flag and a set of paused channels. Whenever the output is
// free it selects the first eligible item, waits for that item's audio to be
// prepared, and hands it to the playback controller. Queue state changes
// under one mutex, so at most one item is ever selected and every subscriber
// sees the same order of events.
//
// Preparation (fetch, cache, probe, envelope) starts in the background as
// soon as an item is queued and reports back under the mutex; it never
// blocks an operation. Output control (start, seek, hold, release, stop)
// runs outside the mutex, because a respawn may have to trim the audio or
// wait for the previous process to exit.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/speakd/internal/cache"
	"github.com/MrWong99/speakd/internal/events"
	"github.com/MrWong99/speakd/internal/fetch"
	"github.com/MrWong99/speakd/internal/history"
	"github.com/MrWong99/speakd/internal/observe"
	"github.com/MrWong99/speakd/internal/playback"
	"github.com/MrWong99/speakd/pkg/audio/mp3"
)

var (
	// ErrNotFound is returned when a replay cannot be served.
	ErrNotFound = errors.New("queue: not found")

	// ErrUnknownEntry is returned for a replay of an id not in history.
	ErrUnknownEntry = fmt.Errorf("%w: entry not found in history", ErrNotFound)

	// ErrAudioExpired is returned for a replay whose cached audio is gone.
	ErrAudioExpired = fmt.Errorf("%w: cached audio not found (may have expired)", ErrNotFound)

	// ErrInvalidRequest is returned for requests that cannot be queued.
	ErrInvalidRequest = errors.New("queue: invalid request")

	// ErrClosed is returned after [Scheduler.Close].
	ErrClosed = errors.New("queue: closed")
)

const (
	defaultPrepareConcurrency = 2
	defaultRecentHistory      = 20
)

// Fetcher obtains validated audio. [*fetch.Fetcher] satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) ([]byte, error)
}

// Cache keeps audio for replay. [*cache.Disk] satisfies it.
type Cache interface {
	Store(id string, data []byte) error
	Get(id string) ([]byte, error)
}

// Player starts playback sessions. [*playback.Controller] satisfies it.
type Player interface {
	Start(t playback.Track) (*playback.Session, error)
}

// Extractor derives the lip-sync envelope. [*envelope.Extractor] satisfies it.
type Extractor interface {
	Extract(ctx context.Context, data []byte) ([]float64, error)
	ChunkMS() int
}

// Prober returns the duration of a payload.
type Prober func(data []byte) (time.Duration, error)

// Broadcaster distributes events. [*events.Broadcaster] satisfies it.
type Broadcaster interface {
	Publish(name string, payload any)
	Subscribe() *events.Subscription
}

// Config wires a [Scheduler]. Fetcher, Cache, History, Player, Envelope and
// Events are required.
type Config struct {
	Fetcher  Fetcher
	Cache    Cache
	History  *history.Store
	Player   Player
	Envelope Extractor
	Events   Broadcaster

	// Probe defaults to [mp3.Probe].
	Probe Prober

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// PrepareConcurrency bounds concurrent preparations. Default: 2.
	PrepareConcurrency int

	// RecentHistory is the number of history entries in a snapshot.
	// Default: 20.
	RecentHistory int

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

func (c Config) validate() error {
	var errs []error
	if c.Fetcher == nil {
		errs = append(errs, errors.New("fetcher is required"))
	}
	if c.Cache == nil {
		errs = append(errs, errors.New("cache is required"))
	}
	if c.History == nil {
		errs = append(errs, errors.New("history is required"))
	}
	if c.Player == nil {
		errs = append(errs, errors.New("player is required"))
	}
	if c.Envelope == nil {
		errs = append(errs, errors.New("envelope extractor is required"))
	}
	if c.Events == nil {
		errs = append(errs, errors.New("events broadcaster is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("queue: config: %w", err)
	}
	return nil
}

// Scheduler owns the queue. It is safe for concurrent use.
type Scheduler struct {
	fetcher  Fetcher
	cache    Cache
	history  *history.Store
	player   Player
	envelope Extractor
	events   Broadcaster
	probe    Prober
	metrics  *observe.Metrics
	sem      *semaphore.Weighted
	recent   int
	now      func() time.Time
	newID    func() string

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	// startMu serializes output starts so a stale start never replaces a
	// newer session on the player.
	startMu sync.Mutex

	mu             sync.Mutex
	seq            uint64
	pending        []*item // ordered by before
	selected       *item
	session        *playback.Session
	pausedGlobal   bool
	pausedChannels map[string]struct{}
	closed         bool
}

// New creates a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Probe == nil {
		cfg.Probe = mp3.Probe
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.PrepareConcurrency <= 0 {
		cfg.PrepareConcurrency = defaultPrepareConcurrency
	}
	if cfg.RecentHistory <= 0 {
		cfg.RecentHistory = defaultRecentHistory
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = newID
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		fetcher:        cfg.Fetcher,
		cache:          cfg.Cache,
		history:        cfg.History,
		player:         cfg.Player,
		envelope:       cfg.Envelope,
		events:         cfg.Events,
		probe:          cfg.Probe,
		metrics:        cfg.Metrics,
		sem:            semaphore.NewWeighted(int64(cfg.PrepareConcurrency)),
		recent:         cfg.RecentHistory,
		now:            cfg.Now,
		newID:          cfg.NewID,
		ctx:            ctx,
		cancel:         cancel,
		pausedChannels: make(map[string]struct{}),
	}, nil
}

// newID returns 8 lowercase hex characters of a random UUID.
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Enqueue queues r and starts preparing its audio. It never blocks on
// network or decode work.
func (s *Scheduler) Enqueue(r Request) (Accepted, error) {
	if err := r.validate(); err != nil {
		return Accepted{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(r, nil, "")
}

// EnqueueReplay queues a new item that plays the cached audio of history
// entry id without fetching it again. Replaying a replay plays the audio of
// the item it was replayed from.
func (s *Scheduler) EnqueueReplay(id string) (Accepted, error) {
	entry, ok := s.history.Find(id)
	if !ok {
		return Accepted{}, fmt.Errorf("replay %s: %w", id, ErrUnknownEntry)
	}
	src := id
	if entry.ReplayOf != "" {
		src = entry.ReplayOf
	}
	data, err := s.cache.Get(src)
	s.metrics.RecordCacheLookup(context.Background(), err == nil)
	if errors.Is(err, cache.ErrNotFound) {
		return Accepted{}, fmt.Errorf("replay %s: %w", id, ErrAudioExpired)
	}
	if err != nil {
		return Accepted{}, fmt.Errorf("queue: replay %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(replayRequest(entry), data, src)
}

func (s *Scheduler) enqueueLocked(r Request, preset []byte, replayOf string) (Accepted, error) {
	if s.closed {
		return Accepted{}, ErrClosed
	}
	s.seq++
	it := newItem(s.newID(), s.seq, r, s.now())
	it.preset = preset
	it.replayOf = replayOf

	idx := sort.Search(len(s.pending), func(i int) bool { return before(it, s.pending[i]) })
	s.pending = slices.Insert(s.pending, idx, it)

	ctx, cancel := context.WithCancel(s.ctx)
	it.cancel = cancel
	s.group.Go(func() error {
		s.prepare(ctx, it)
		return nil
	})

	slog.Info("queue: enqueued", "id", it.id, "kind", it.kind, "voice", it.voice,
		"channel", it.channel, "priority", it.priority, "position", idx+1, "replay_of", replayOf)

	s.scheduleLocked()
	s.publishStateLocked()
	s.recordDepthLocked()
	return Accepted{ID: it.id, Position: idx + 1, Voice: it.voice, Preview: it.preview}, nil
}

// Skip ends the selected item as skipped. It reports false when nothing is
// selected.
func (s *Scheduler) Skip() bool {
	s.mu.Lock()
	it, sess := s.selected, s.session
	if it == nil {
		s.mu.Unlock()
		return false
	}
	s.finishLocked(it, StatusSkipped, nil)
	s.mu.Unlock()

	// The next start stops this session too and waits for its process, so
	// the two never overlap.
	if sess != nil {
		sess.Stop()
	}
	return true
}

// Clear removes queued items, all of them or those on channel. The selected
// item is never touched. It returns the number removed.
func (s *Scheduler) Clear(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pending[:0]
	n := 0
	for _, it := range s.pending {
		if channel == "" || it.channel == channel {
			it.cancel()
			it.dropped = true
			n++
			continue
		}
		kept = append(kept, it)
	}
	clear(s.pending[len(kept):])
	s.pending = kept

	slog.Info("queue: cleared", "channel", channel, "removed", n)
	s.publishStateLocked()
	s.recordDepthLocked()
	return n
}

// Pause stops future selection, globally when channel is empty or for one
// channel. The selected item is unaffected.
func (s *Scheduler) Pause(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel == "" {
		s.pausedGlobal = true
	} else {
		s.pausedChannels[channel] = struct{}{}
	}
	slog.Info("queue: paused", "channel", channel)
	s.publishPauseLocked()
}

// Resume undoes [Scheduler.Pause] and runs a scheduling pass.
func (s *Scheduler) Resume(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel == "" {
		s.pausedGlobal = false
	} else {
		delete(s.pausedChannels, channel)
	}
	slog.Info("queue: resumed", "channel", channel)
	s.publishPauseLocked()
	s.scheduleLocked()
}

// Seek moves the playing item to offset. It reports false when nothing is
// playing.
func (s *Scheduler) Seek(offset time.Duration) bool {
	sess, id := s.playing()
	if sess == nil {
		return false
	}
	if err := sess.Seek(offset); err != nil {
		slog.Warn("queue: seek failed", "id", id, "err", err)
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == sess && !sess.Held() && !sess.Finished() {
		s.publishActiveLocked(sess.Elapsed())
	}
	return true
}

// Hold pauses the physical playback of the playing item, keeping its
// position. It reports false when nothing is playing.
func (s *Scheduler) Hold() bool {
	sess, _ := s.playing()
	if sess == nil {
		return false
	}
	sess.Pause()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishPauseLocked()
	return true
}

// Release resumes a held item from its position. It reports false when
// nothing is playing.
func (s *Scheduler) Release() bool {
	sess, id := s.playing()
	if sess == nil {
		return false
	}
	wasHeld := sess.Held()
	if err := sess.Resume(); err != nil {
		slog.Warn("queue: resume playback failed", "id", id, "err", err)
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishPauseLocked()
	if wasHeld && s.session == sess && !sess.Finished() {
		s.publishActiveLocked(sess.Elapsed())
	}
	return true
}

// playing returns the live session and its item id, or nil.
func (s *Scheduler) playing() (*playback.Session, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session
	if sess == nil || sess.Finished() {
		return nil, ""
	}
	return sess, s.selected.id
}

// Status returns a snapshot, optionally filtered to one channel.
func (s *Scheduler) Status(channel string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(channel)
}

// Subscribe registers an event subscriber and returns the state event it
// must be sent first. No event is lost or duplicated between the two.
func (s *Scheduler) Subscribe() (events.Event, *events.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first, err := events.NewEvent(events.NameState, s.snapshotLocked(""))
	if err != nil {
		return events.Event{}, nil, fmt.Errorf("queue: encode snapshot: %w", err)
	}
	return first, s.events.Subscribe(), nil
}

// Size returns the number of queued plus selected items.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeLocked()
}

// Close stops playback, cancels all preparation and waits for background
// work to finish.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	sess := s.session
	s.session = nil
	s.selected = nil
	s.pending = nil
	s.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
	return s.group.Wait()
}

// scheduleLocked selects the next eligible item when the output is free.
func (s *Scheduler) scheduleLocked() {
	if s.closed || s.pausedGlobal || s.selected != nil {
		return
	}
	idx := slices.IndexFunc(s.pending, s.eligibleLocked)
	if idx < 0 {
		return
	}
	it := s.pending[idx]
	s.pending = slices.Delete(s.pending, idx, idx+1)
	s.selected = it
	s.recordDepthLocked()

	if !it.prepared {
		it.status = StatusPreparing
		slog.Debug("queue: selected, waiting for audio", "id", it.id)
		return
	}
	s.startLocked(it)
}

func (s *Scheduler) eligibleLocked(it *item) bool {
	if it.channel == "" {
		return true
	}
	_, paused := s.pausedChannels[it.channel]
	return !paused
}

// startLocked hands a prepared, selected item to the player. The start
// itself runs in the background and reports back through launch.
func (s *Scheduler) startLocked(it *item) {
	if it.prepErr != nil {
		s.finishLocked(it, StatusFailed, it.prepErr)
		return
	}
	timeSegments(it.segments, it.duration)
	it.status = StatusPreparing

	track := playback.Track{Data: it.audio, Duration: it.duration}
	s.group.Go(func() error {
		s.launch(it, track)
		return nil
	})
}

// launch starts the output for it unless it stopped being the selected item
// in the meantime.
func (s *Scheduler) launch(it *item, track playback.Track) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if !s.isSelected(it) {
		return
	}
	sess, err := s.player.Start(track)

	s.mu.Lock()
	if s.closed || s.selected != it {
		s.mu.Unlock()
		if err == nil {
			sess.Stop()
		}
		return
	}
	defer s.mu.Unlock()
	if err != nil {
		slog.Error("queue: playback start failed", "id", it.id, "err", err)
		s.finishLocked(it, StatusFailed, err)
		return
	}
	it.status = StatusPlaying
	s.session = sess
	s.metrics.RecordPlaybackStart(context.Background(), string(it.kind))
	slog.Info("queue: playing", "id", it.id, "voice", it.voice, "channel", it.channel, "duration", it.duration)
	s.publishActiveLocked(0)

	s.group.Go(func() error {
		r := <-sess.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.selected != it || s.session != sess {
			return nil
		}
		switch r.Reason {
		case playback.ReasonCompleted:
			s.finishLocked(it, StatusCompleted, nil)
		case playback.ReasonFailed:
			s.finishLocked(it, StatusFailed, r.Err)
		default:
			s.finishLocked(it, StatusSkipped, r.Err)
		}
		return nil
	})
}

func (s *Scheduler) isSelected(it *item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.selected == it
}

// finishLocked moves the selected item to a terminal state, records it and
// selects the next item.
func (s *Scheduler) finishLocked(it *item, status Status, err error) {
	it.cancel()
	it.status = status
	it.audio = nil
	s.selected = nil
	s.session = nil

	entry := it.historyEntry(history.Status(status), s.now(), err)
	s.history.Append(entry)
	s.metrics.RecordItemFinished(context.Background(), string(status))

	log := slog.With("id", it.id, "status", status)
	if err != nil {
		log.Warn("queue: item finished", "err", err)
	} else {
		log.Info("queue: item finished")
	}

	s.events.Publish(events.NameHistoryUpdate, entry)
	s.events.Publish(events.NameVoiceActive, idleEvent(s.envelope.ChunkMS(), len(s.pending)))
	s.recordDepthLocked()
	s.scheduleLocked()
}

// prepared records the outcome of preparation. A selected item that was
// waiting on it starts now.
func (s *Scheduler) prepared(it *item, data []byte, d time.Duration, env []float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || it.dropped || it.status.terminal() {
		return
	}
	it.prepared = true
	it.audio, it.duration, it.envelope, it.prepErr = data, d, env, err
	if s.selected == it && it.status == StatusPreparing {
		s.startLocked(it)
	}
}

func (s *Scheduler) snapshotLocked(channel string) Snapshot {
	snap := Snapshot{
		Playing:       s.selected != nil && s.selected.status == StatusPlaying,
		Queued:        len(s.pending),
		Items:         []ItemView{},
		Paused:        s.pausedGlobal,
		ChannelPaused: s.pausedChannelsLocked(),
		PlaybackHeld:  s.session != nil && s.session.Held(),
		RecentHistory: s.history.Recent(s.recent),
	}
	if it := s.selected; it != nil && (channel == "" || it.channel == channel) {
		snap.Items = append(snap.Items, it.view(0))
	}
	for i, it := range s.pending {
		if channel != "" && it.channel != channel {
			continue
		}
		snap.Items = append(snap.Items, it.view(i+1))
	}
	snap.Total = len(snap.Items)
	return snap
}

func (s *Scheduler) pausedChannelsLocked() []string {
	out := make([]string, 0, len(s.pausedChannels))
	for ch := range s.pausedChannels {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

func (s *Scheduler) sizeLocked() int {
	n := len(s.pending)
	if s.selected != nil {
		n++
	}
	return n
}

func (s *Scheduler) publishStateLocked() {
	s.events.Publish(events.NameState, s.snapshotLocked(""))
}

func (s *Scheduler) publishPauseLocked() {
	s.events.Publish(events.NamePauseState, PauseState{
		GlobalPaused:  s.pausedGlobal,
		ChannelPaused: s.pausedChannelsLocked(),
		PlaybackHeld:  s.session != nil && s.session.Held(),
	})
}

func (s *Scheduler) publishActiveLocked(offset time.Duration) {
	if s.selected == nil {
		return
	}
	s.events.Publish(events.NameVoiceActive, s.selected.activeEvent(offset, s.envelope.ChunkMS(), len(s.pending)))
}

func (s *Scheduler) recordDepthLocked() {
	s.metrics.QueueDepth.Record(context.Background(), int64(s.sizeLocked()))
}

func (st Status) terminal() bool {
	return st == StatusCompleted || st == StatusSkipped || st == StatusFailed
}
