package voice

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher reloads a roster file whenever it changes on disk. The parent
// directory is watched so editors that replace the file by rename are seen.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(old, new *Roster, c Change)

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	current *Roster

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithDebounce coalesces bursts of file events. Default: 200ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher starts watching path. initial is the roster already loaded from
// it. onChange runs on the watcher goroutine after every successful reload
// that changed the roster. A reload that fails to parse keeps the previous
// roster.
func NewWatcher(path string, initial *Roster, onChange func(old, new *Roster, c Change), opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("voice: watcher: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("voice: watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("voice: watch %q: %w", filepath.Dir(abs), err)
	}
	if initial == nil {
		initial = EmptyRoster()
	}

	w := &Watcher{
		path:     abs,
		debounce: defaultDebounce,
		onChange: onChange,
		fsw:      fsw,
		current:  initial,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded roster.
func (w *Watcher) Current() *Roster {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var (
		timer  *time.Timer
		fire   <-chan time.Time
		target = filepath.Base(w.path)
	)
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("voice: watcher error", "path", w.path, "err", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	next, err := LoadRoster(w.path)
	if err != nil {
		slog.Warn("voice: roster reload failed, keeping previous roster", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	old := w.current
	change := Diff(old, next)
	if change.Empty() && string(old.JSON()) == string(next.JSON()) {
		w.mu.Unlock()
		return
	}
	w.current = next
	w.mu.Unlock()

	slog.Info("voice: roster reloaded", "path", w.path, "voices", next.Len(),
		"added", len(change.Added), "removed", len(change.Removed), "changed", len(change.Changed))
	if w.onChange != nil {
		w.onChange(old, next, change)
	}
}
