// Package history keeps a bounded, newest-first record of items that left
// the queue: completed, skipped or failed.
package history

import (
	"encoding/json"
	"math"
	"sync"
	"time"
)

// DefaultCapacity is the number of entries kept when none is configured.
const DefaultCapacity = 1000

// Status is the terminal state an item reached.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Segment is one dialogue line as recorded for replay.
type Segment struct {
	Voice   string `json:"voice"`
	VoiceID string `json:"-"`
	Text    string `json:"text"`
}

// Entry is an immutable record of one finished item.
type Entry struct {
	ID       string
	Voice    string
	VoiceID  string
	Text     string
	Channel  string
	Kind     string
	Status   Status
	Created  time.Time // when the item was queued
	Finished time.Time
	Duration time.Duration // zero when unknown
	ReplayOf string
	Error    string
	Segments []Segment
}

// Failed reports whether the item ended in failure.
func (e Entry) Failed() bool { return e.Status == StatusFailed }

type entryJSON struct {
	ID        string   `json:"id"`
	Voice     string   `json:"voice"`
	Text      string   `json:"text"`
	Channel   *string  `json:"channel"`
	Timestamp float64  `json:"timestamp"`
	Duration  *float64 `json:"duration"`
	Type      string   `json:"type"`
	Status    Status   `json:"status"`
	Failed    bool     `json:"failed"`
	ReplayOf  string   `json:"replay_of,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// MarshalJSON renders the wire form: unix seconds for the timestamp, seconds
// rounded to milliseconds for the duration, and null for unknown values. The
// timestamp is the queue time, or the finish time when that is unset.
func (e Entry) MarshalJSON() ([]byte, error) {
	ts := e.Created
	if ts.IsZero() {
		ts = e.Finished
	}
	out := entryJSON{
		ID:        e.ID,
		Voice:     e.Voice,
		Text:      e.Text,
		Timestamp: float64(ts.UnixMicro()) / 1e6,
		Type:      e.Kind,
		Status:    e.Status,
		Failed:    e.Failed(),
		ReplayOf:  e.ReplayOf,
		Error:     e.Error,
	}
	if e.Channel != "" {
		ch := e.Channel
		out.Channel = &ch
	}
	if e.Duration > 0 {
		secs := math.Round(e.Duration.Seconds()*1000) / 1000
		out.Duration = &secs
	}
	return json.Marshal(out)
}

// Store is a fixed-capacity ring of entries. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries []Entry // ring storage
	pos     int     // next write position
	count   int     // valid entries, at most len(entries)
}

// NewStore creates a store holding at most capacity entries. A capacity of
// zero or less uses [DefaultCapacity].
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{entries: make([]Entry, capacity)}
}

// Append records e, overwriting the oldest entry once the store is full.
func (s *Store) Append(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[s.pos] = e
	s.pos = (s.pos + 1) % len(s.entries)
	if s.count < len(s.entries) {
		s.count++
	}
}

// Len returns the number of entries held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// at returns the i-th newest entry. Must be called with s.mu held.
func (s *Store) at(i int) Entry {
	n := len(s.entries)
	return s.entries[((s.pos-1-i)%n+n)%n]
}

// List returns up to limit entries newest first, skipping offset matching
// entries. A non-empty channel restricts results to that channel. total is
// the number of entries held, regardless of the filter.
func (s *Store) List(limit, offset int, channel string) (entries []Entry, total int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offset = max(offset, 0)
	entries = []Entry{}
	for i := 0; i < s.count && len(entries) < limit; i++ {
		e := s.at(i)
		if channel != "" && e.Channel != channel {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		entries = append(entries, e)
	}
	return entries, s.count
}

// Recent returns the n newest entries.
func (s *Store) Recent(n int) []Entry {
	entries, _ := s.List(n, 0, "")
	return entries
}

// Find returns the newest entry with the given id.
func (s *Store) Find(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.count {
		if e := s.at(i); e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}
