package voice

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antzucaro/matchr"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/speakd/pkg/provider/tts"
)

// ErrNoVoice is returned when no voice was given and no default is set.
var ErrNoVoice = errors.New("voice: no voice specified and no default voice configured")

const (
	defaultCatalogueTTL     = 10 * time.Minute
	defaultCatalogueTimeout = 10 * time.Second
	failedCatalogueBackoff  = time.Minute

	// suggestThreshold is the minimum Jaro-Winkler score for a name to be
	// offered as a correction.
	suggestThreshold = 0.85

	labelIDLen = 12
)

// Source tells where a resolution came from.
type Source string

const (
	SourceDefault   Source = "default"
	SourceRoster    Source = "roster"
	SourceCatalogue Source = "catalogue"
	SourceRaw       Source = "raw"
)

// Catalogue lists the voices an upstream account can use. [tts.Provider]
// satisfies it.
type Catalogue interface {
	ListVoices(ctx context.Context) ([]tts.VoiceProfile, error)
}

// Resolution is the outcome of resolving a voice name.
type Resolution struct {
	ID     string
	Label  string
	Source Source

	// Suggestion is a known voice name close to the input when it fell
	// through to a raw id.
	Suggestion string
}

// ResolverOption configures a [Resolver].
type ResolverOption func(*Resolver)

// WithCatalogueTTL sets how long a fetched catalogue is reused. Default: 10m.
func WithCatalogueTTL(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithCatalogueTimeout bounds a catalogue fetch. Default: 10s.
func WithCatalogueTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// Resolver turns voice names into provider ids. It is safe for concurrent use.
type Resolver struct {
	roster    atomic.Pointer[Roster]
	defaultID string
	catalogue Catalogue
	ttl       time.Duration
	timeout   time.Duration
	now       func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	byName    map[string]string // lowercase catalogue name -> id
	names     []string
	expiresAt time.Time
}

// NewResolver creates a resolver over roster. defaultID is used for empty
// names. cat may be nil, in which case only the roster is consulted.
func NewResolver(roster *Roster, defaultID string, cat Catalogue, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		defaultID: defaultID,
		catalogue: cat,
		ttl:       defaultCatalogueTTL,
		timeout:   defaultCatalogueTimeout,
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if roster == nil {
		roster = EmptyRoster()
	}
	r.roster.Store(roster)
	return r
}

// Roster returns the current roster.
func (r *Resolver) Roster() *Roster { return r.roster.Load() }

// SetRoster swaps in a reloaded roster.
func (r *Resolver) SetRoster(roster *Roster) { r.roster.Store(roster) }

// DefaultID returns the configured default voice id.
func (r *Resolver) DefaultID() string { return r.defaultID }

// Resolve maps name to a voice id: empty names use the default, then the
// roster is consulted, then the provider catalogue. Anything else is taken
// to be a raw id.
func (r *Resolver) Resolve(ctx context.Context, name string) (Resolution, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		if r.defaultID == "" {
			return Resolution{}, ErrNoVoice
		}
		return Resolution{ID: r.defaultID, Label: r.Label(r.defaultID), Source: SourceDefault}, nil
	}

	roster := r.Roster()
	if id, ok := roster.Lookup(name); ok {
		return Resolution{ID: id, Label: r.Label(id), Source: SourceRoster}, nil
	}

	names := roster.Names()
	if r.catalogue != nil {
		byName, catNames := r.catalogueIndex(ctx)
		if id, ok := byName[strings.ToLower(name)]; ok {
			return Resolution{ID: id, Label: r.Label(id), Source: SourceCatalogue}, nil
		}
		names = append(names, catNames...)
	}

	res := Resolution{ID: name, Label: r.Label(name), Source: SourceRaw, Suggestion: Suggest(name, names)}
	if res.Suggestion != "" {
		slog.Warn("voice: unknown name used as raw id", "voice", name, "did_you_mean", res.Suggestion)
	}
	return res, nil
}

// Label returns the display name for id: its roster name, or the first 12
// characters of the id.
func (r *Resolver) Label(id string) string {
	if name, ok := r.Roster().Name(id); ok {
		return name
	}
	if len(id) > labelIDLen {
		return id[:labelIDLen]
	}
	return id
}

// catalogueIndex returns the cached catalogue, refreshing it when stale.
// Concurrent refreshes share one upstream call. A failed refresh is retried
// after a short backoff and never fails resolution.
func (r *Resolver) catalogueIndex(ctx context.Context) (map[string]string, []string) {
	r.mu.Lock()
	if r.now().Before(r.expiresAt) {
		byName, names := r.byName, r.names
		r.mu.Unlock()
		return byName, names
	}
	r.mu.Unlock()

	ch := r.group.DoChan("catalogue", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		profiles, err := r.catalogue.ListVoices(fctx)

		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			slog.Warn("voice: catalogue fetch failed", "err", err)
			r.expiresAt = r.now().Add(failedCatalogueBackoff)
			return nil, err
		}
		r.byName = make(map[string]string, len(profiles))
		r.names = make([]string, 0, len(profiles))
		for _, p := range profiles {
			if p.Name == "" || p.ID == "" {
				continue
			}
			r.byName[strings.ToLower(p.Name)] = p.ID
			r.names = append(r.names, p.Name)
		}
		r.expiresAt = r.now().Add(r.ttl)
		slog.Debug("voice: catalogue refreshed", "voices", len(r.byName))
		return nil, nil
	})

	select {
	case <-ch:
	case <-ctx.Done():
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName, r.names
}

// Suggest returns the candidate most similar to name when it scores at
// least 0.85 on Jaro-Winkler, or "" otherwise.
func Suggest(name string, candidates []string) string {
	in := strings.ToLower(name)
	best, bestScore := "", 0.0
	for _, c := range candidates {
		if score := matchr.JaroWinkler(in, strings.ToLower(c), false); score > bestScore {
			best, bestScore = c, score
		}
	}
	if bestScore < suggestThreshold {
		return ""
	}
	return best
}
