// Package voice maps human voice names to provider voice ids.
//
// Names resolve through the local roster file first, then through the
// provider's catalogue, and are otherwise used as raw ids. A [Watcher] keeps
// the roster in sync with the file on disk.
package voice

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// ErrMalformed is returned when a roster file cannot be parsed.
var ErrMalformed = errors.New("voice: malformed roster")

// Voice is one roster entry. Fields beyond the known ones are kept in Raw and
// served unchanged.
type Voice struct {
	Name  string
	ID    string
	Color string
	Style string
	Raw   json.RawMessage
}

// Roster is an immutable set of voices loaded from a file.
type Roster struct {
	voices []Voice
	byName map[string]string // lowercase name -> id
	byID   map[string]string // id -> name
	raw    []byte
}

// EmptyRoster returns a roster with no voices.
func EmptyRoster() *Roster {
	return &Roster{byName: map[string]string{}, byID: map[string]string{}, raw: []byte("[]")}
}

// LoadRoster reads the roster at path. A missing file yields an empty roster;
// any other read or parse failure is an error.
func LoadRoster(path string) (*Roster, error) {
	if path == "" {
		return EmptyRoster(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return EmptyRoster(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("voice: read roster %q: %w", path, err)
	}
	r, err := ParseRoster(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, path, err)
	}
	return r, nil
}

// ParseRoster parses a JSON array of voice objects. Entries without a string
// name and id are kept for serving but not used for resolution.
func ParseRoster(data []byte) (*Roster, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return EmptyRoster(), nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("expected a JSON array of voices: %w", err)
	}

	r := &Roster{
		byName: make(map[string]string, len(entries)),
		byID:   make(map[string]string, len(entries)),
		raw:    bytes.TrimSpace(data),
	}
	for _, raw := range entries {
		var fields map[string]any
		if json.Unmarshal(raw, &fields) != nil {
			continue
		}
		name, _ := fields["name"].(string)
		id, _ := fields["id"].(string)
		if name == "" || id == "" {
			continue
		}
		v := Voice{Name: name, ID: id, Raw: raw}
		v.Color, _ = fields["color"].(string)
		v.Style, _ = fields["style"].(string)
		r.voices = append(r.voices, v)
		r.byName[strings.ToLower(name)] = id
		r.byID[id] = name
	}
	return r, nil
}

// Voices returns the usable entries in file order.
func (r *Roster) Voices() []Voice {
	out := make([]Voice, len(r.voices))
	copy(out, r.voices)
	return out
}

// Len returns the number of usable entries.
func (r *Roster) Len() int { return len(r.voices) }

// JSON returns the roster file contents as served on /voices.
func (r *Roster) JSON() []byte { return r.raw }

// Lookup returns the id registered for name, case-insensitively.
func (r *Roster) Lookup(name string) (string, bool) {
	id, ok := r.byName[strings.ToLower(name)]
	return id, ok
}

// Name returns the roster name for id.
func (r *Roster) Name(id string) (string, bool) {
	name, ok := r.byID[id]
	return name, ok
}

// Names returns every voice name in file order.
func (r *Roster) Names() []string {
	out := make([]string, len(r.voices))
	for i, v := range r.voices {
		out[i] = v.Name
	}
	return out
}

// Change describes how a roster reload differs from the previous roster.
type Change struct {
	Added   []string
	Removed []string
	Changed []string // same name, different id
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// Diff compares two rosters by voice name.
func Diff(old, new *Roster) Change {
	var c Change
	for _, v := range new.voices {
		oldID, ok := old.Lookup(v.Name)
		switch {
		case !ok:
			c.Added = append(c.Added, v.Name)
		case oldID != v.ID:
			c.Changed = append(c.Changed, v.Name)
		}
	}
	for _, v := range old.voices {
		if _, ok := new.Lookup(v.Name); !ok {
			c.Removed = append(c.Removed, v.Name)
		}
	}
	return c
}
