// Package cache keeps fetched audio on local disk for a bounded time so that
// history entries can be replayed without calling the upstream provider again.
//
// Entries are plain files named after the item id. Payloads larger than 1 KiB
// are zstd-compressed when that actually saves space. The file modification
// time is the creation time; entries older than the retention window are
// treated as missing and removed by [Disk.Prune].
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
)

// ErrNotFound is returned by [Disk.Get] when the id is unknown or expired.
var ErrNotFound = errors.New("cache: entry not found")

// DefaultRetention is how long entries stay retrievable.
const DefaultRetention = 24 * time.Hour

const (
	rawExt        = ".mp3"
	compressedExt = ".mp3.zst"
	tmpPrefix     = ".tmp-"

	// compressMin is the payload size below which compression is skipped.
	compressMin = 1024
)

// Option configures a [Disk].
type Option func(*Disk)

// WithRetention sets the maximum entry age. Default: 24h.
func WithRetention(d time.Duration) Option {
	return func(c *Disk) {
		if d > 0 {
			c.retention = d
		}
	}
}

// WithCompression enables zstd at the given level (1-22). Zero disables it.
func WithCompression(level int) Option {
	return func(c *Disk) { c.level = level }
}

// WithMaxBytes caps the on-disk size. Prune evicts the oldest entries until
// the cache fits. Zero means unlimited.
func WithMaxBytes(n int64) Option {
	return func(c *Disk) { c.maxBytes = n }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Disk) { c.now = now }
}

// Stats summarises the cache contents and lookup counters.
type Stats struct {
	Entries int
	Bytes   int64
	Hits    int64
	Misses  int64
}

// PruneResult reports what a [Disk.Prune] pass removed.
type PruneResult struct {
	Expired int
	Evicted int
	Freed   int64
}

// Disk is a directory-backed audio cache. It is safe for concurrent use.
type Disk struct {
	dir       string
	retention time.Duration
	maxBytes  int64
	level     int
	now       func() time.Time

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.Mutex
	hits   int64
	misses int64
}

// NewDisk opens (creating if needed) a cache rooted at dir.
func NewDisk(dir string, opts ...Option) (*Disk, error) {
	if dir == "" {
		return nil, errors.New("cache: dir must not be empty")
	}
	c := &Disk{
		dir:       dir,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir %q: %w", dir, err)
	}

	var err error
	if c.level > 0 {
		c.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)))
		if err != nil {
			return nil, fmt.Errorf("cache: create zstd encoder: %w", err)
		}
	}
	// The decoder is always available so entries written with compression
	// remain readable after it is switched off.
	c.dec, err = zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("cache: create zstd decoder: %w", err)
	}
	return c, nil
}

// Dir returns the cache directory.
func (c *Disk) Dir() string { return c.dir }

// Store writes data under id, replacing any previous entry. The write goes
// through a temp file and a rename so readers never see partial files.
func (c *Disk) Store(id string, data []byte) error {
	if err := validID(id); err != nil {
		return err
	}

	payload, ext := data, rawExt
	if c.enc != nil && len(data) > compressMin {
		if packed := c.enc.EncodeAll(data, nil); len(packed) < len(data) {
			payload, ext = packed, compressedExt
		}
	}

	tmp, err := os.CreateTemp(c.dir, tmpPrefix+id+"-*")
	if err != nil {
		return fmt.Errorf("cache: store %q: %w", id, err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("cache: store %q: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache: store %q: %w", id, err)
	}

	now := c.now()
	if err := os.Chtimes(tmp.Name(), now, now); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache: store %q: %w", id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Drop the other representation so Get never finds a stale twin.
	for _, e := range []string{rawExt, compressedExt} {
		if e != ext {
			os.Remove(c.path(id, e))
		}
	}
	if err := os.Rename(tmp.Name(), c.path(id, ext)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache: store %q: %w", id, err)
	}
	return nil
}

// Get returns the bytes stored under id. It returns [ErrNotFound] when the
// entry is missing or older than the retention window; expired files are
// removed on the way out.
func (c *Disk) Get(id string) ([]byte, error) {
	if err := validID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ext := range []string{compressedExt, rawExt} {
		p := c.path(id, ext)
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if c.expired(info.ModTime()) {
			os.Remove(p)
			break
		}
		data, err := os.ReadFile(p)
		if err != nil {
			break
		}
		if ext == compressedExt {
			if data, err = c.dec.DecodeAll(data, nil); err != nil {
				slog.Warn("cache: dropping corrupt entry", "id", id, "err", err)
				os.Remove(p)
				break
			}
		}
		c.hits++
		return data, nil
	}
	c.misses++
	return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
}

// Prune removes expired entries, stray temp files and, when a size cap is
// configured, the oldest entries until the cache fits.
func (c *Disk) Prune() (PruneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res PruneResult
	entries, err := c.scan()
	if err != nil {
		return res, err
	}

	live := entries[:0]
	var total int64
	for _, e := range entries {
		stale := strings.HasPrefix(e.name, tmpPrefix) && c.now().Sub(e.mtime) > time.Hour
		if stale || (!strings.HasPrefix(e.name, tmpPrefix) && c.expired(e.mtime)) {
			if os.Remove(filepath.Join(c.dir, e.name)) == nil {
				res.Expired++
				res.Freed += e.size
			}
			continue
		}
		live = append(live, e)
		total += e.size
	}

	if c.maxBytes > 0 && total > c.maxBytes {
		slices.SortFunc(live, func(a, b fileEntry) int { return a.mtime.Compare(b.mtime) })
		for _, e := range live {
			if total <= c.maxBytes {
				break
			}
			if os.Remove(filepath.Join(c.dir, e.name)) == nil {
				res.Evicted++
				res.Freed += e.size
				total -= e.size
			}
		}
	}

	if res.Expired+res.Evicted > 0 {
		slog.Info("cache: pruned",
			"expired", res.Expired,
			"evicted", res.Evicted,
			"freed", humanize.Bytes(uint64(res.Freed)),
		)
	}
	return res, nil
}

// Stats returns the entry count, on-disk size and lookup counters.
func (c *Disk) Stats() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.scan()
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Hits: c.hits, Misses: c.misses}
	for _, e := range entries {
		if strings.HasPrefix(e.name, tmpPrefix) {
			continue
		}
		s.Entries++
		s.Bytes += e.size
	}
	return s, nil
}

// Run prunes once immediately and then every interval until ctx is done.
func (c *Disk) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	prune := func() {
		if _, err := c.Prune(); err != nil {
			slog.Warn("cache: prune failed", "dir", c.dir, "err", err)
		}
	}
	prune()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// Close releases the zstd encoder and decoder.
func (c *Disk) Close() error {
	if c.enc != nil {
		c.enc.Close()
	}
	c.dec.Close()
	return nil
}

type fileEntry struct {
	name  string
	size  int64
	mtime time.Time
}

// scan lists regular files in the cache dir. Must be called with c.mu held.
func (c *Disk) scan() ([]fileEntry, error) {
	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("cache: scan %q: %w", c.dir, err)
	}
	out := make([]fileEntry, 0, len(dirents))
	for _, d := range dirents {
		if !d.Type().IsRegular() {
			continue
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("cache: stat %q: %w", d.Name(), err)
		}
		name := d.Name()
		if !strings.HasPrefix(name, tmpPrefix) && !strings.HasSuffix(name, rawExt) && !strings.HasSuffix(name, compressedExt) {
			continue
		}
		out = append(out, fileEntry{name: name, size: info.Size(), mtime: info.ModTime()})
	}
	return out, nil
}

func (c *Disk) path(id, ext string) string {
	return filepath.Join(c.dir, id+ext)
}

func (c *Disk) expired(mtime time.Time) bool {
	return c.now().Sub(mtime) >= c.retention
}

// validID rejects ids that could escape the cache directory.
func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("cache: invalid id %q", id)
	}
	return nil
}
