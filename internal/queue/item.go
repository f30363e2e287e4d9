package queue

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/speakd/internal/fetch"
	"github.com/MrWong99/speakd/internal/history"
	"github.com/MrWong99/speakd/pkg/provider/tts"
)

const (
	previewLen         = 100
	dialoguePreviewLen = 25
)

// Status is the visible state of a queue item.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusPreparing Status = "preparing"
	StatusPlaying   Status = "playing"
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Line is one resolved dialogue line.
type Line struct {
	VoiceID string
	Voice   string // display label
	Text    string
}

// Request asks for one item to be queued. Speak requests use Text, VoiceID
// and Voice; dialogue requests use Lines.
type Request struct {
	Kind     fetch.Kind
	Text     string
	VoiceID  string
	Voice    string
	Lines    []Line
	Channel  string
	Priority bool
}

func (r Request) validate() error {
	switch r.Kind {
	case fetch.KindSpeak, "":
		if strings.TrimSpace(r.Text) == "" {
			return fmt.Errorf("%w: empty text", ErrInvalidRequest)
		}
		if r.VoiceID == "" {
			return fmt.Errorf("%w: no voice id", ErrInvalidRequest)
		}
	case fetch.KindDialogue:
		if len(r.Lines) == 0 {
			return fmt.Errorf("%w: empty dialogue", ErrInvalidRequest)
		}
		for i, l := range r.Lines {
			if strings.TrimSpace(l.Text) == "" || l.VoiceID == "" {
				return fmt.Errorf("%w: dialogue line %d needs text and a voice id", ErrInvalidRequest, i)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, r.Kind)
	}
	return nil
}

// Accepted is returned for a queued request.
type Accepted struct {
	ID       string
	Position int
	Voice    string
	Preview  string
}

// Segment is one dialogue line with its share of the item's duration.
type Segment struct {
	Voice string   `json:"voice"`
	Text  string   `json:"text"`
	Chars int      `json:"chars"`
	Start *float64 `json:"start,omitempty"`
	End   *float64 `json:"end,omitempty"`
}

// item is a queued or selected request. All fields are guarded by the
// scheduler mutex.
type item struct {
	id       string
	seq      uint64
	kind     fetch.Kind
	text     string
	preview  string
	voice    string
	voiceID  string
	lines    []Line
	channel  string
	priority bool
	created  time.Time
	segments []Segment
	replayOf string

	// preset is audio known up front, as for replays.
	preset []byte

	status   Status
	dropped  bool
	cancel   context.CancelFunc
	prepared bool
	audio    []byte
	duration time.Duration
	envelope []float64
	prepErr  error
}

func newItem(id string, seq uint64, r Request, now time.Time) *item {
	it := &item{
		id:       id,
		seq:      seq,
		kind:     r.Kind,
		channel:  r.Channel,
		priority: r.Priority,
		created:  now,
		status:   StatusQueued,
	}
	if it.kind == "" {
		it.kind = fetch.KindSpeak
	}
	if it.kind == fetch.KindDialogue {
		it.lines = slices.Clone(r.Lines)
		it.voice, it.preview, it.text, it.segments = describeDialogue(r.Lines)
		return it
	}
	it.text = r.Text
	it.preview = truncate(r.Text, previewLen)
	it.voiceID = r.VoiceID
	it.voice = r.Voice
	if it.voice == "" {
		it.voice = r.VoiceID
	}
	return it
}

// describeDialogue builds the label ("A + B"), preview, full text and
// segments of a dialogue.
func describeDialogue(lines []Line) (label, preview, full string, segs []Segment) {
	var (
		labels   []string
		previews []string
		fulls    []string
	)
	for _, l := range lines {
		if !slices.Contains(labels, l.Voice) {
			labels = append(labels, l.Voice)
		}
		previews = append(previews, fmt.Sprintf("%s: \"%s\"", l.Voice, truncate(l.Text, dialoguePreviewLen)))
		fulls = append(fulls, fmt.Sprintf("%s: \"%s\"", l.Voice, l.Text))
		segs = append(segs, Segment{Voice: l.Voice, Text: l.Text, Chars: utf8.RuneCountInString(l.Text)})
	}
	slices.Sort(labels)
	return strings.Join(labels, " + "), truncate(strings.Join(previews, " / "), previewLen), strings.Join(fulls, " / "), segs
}

// timeSegments spreads d over the segments in proportion to their length.
func timeSegments(segs []Segment, d time.Duration) {
	if len(segs) == 0 || d <= 0 {
		return
	}
	total := 0
	for _, s := range segs {
		total += max(s.Chars, 1)
	}
	secs := d.Seconds()
	offset := 0.0
	for i := range segs {
		share := float64(max(segs[i].Chars, 1)) / float64(total) * secs
		start, end := round3(offset), round3(offset+share)
		segs[i].Start, segs[i].End = &start, &end
		offset += share
	}
}

func (it *item) fetchRequest() fetch.Request {
	if it.kind == fetch.KindDialogue {
		lines := make([]tts.DialogueLine, len(it.lines))
		for i, l := range it.lines {
			lines[i] = tts.DialogueLine{VoiceID: l.VoiceID, Text: l.Text}
		}
		return fetch.Request{Kind: fetch.KindDialogue, Lines: lines}
	}
	return fetch.Request{Kind: fetch.KindSpeak, Text: it.text, VoiceID: it.voiceID}
}

func (it *item) historyEntry(status history.Status, finished time.Time, err error) history.Entry {
	e := history.Entry{
		ID:       it.id,
		Voice:    it.voice,
		VoiceID:  it.voiceID,
		Text:     it.text,
		Channel:  it.channel,
		Kind:     string(it.kind),
		Status:   status,
		Created:  it.created,
		Finished: finished,
		Duration: it.duration,
		ReplayOf: it.replayOf,
	}
	if err != nil {
		e.Error = err.Error()
	}
	for _, l := range it.lines {
		e.Segments = append(e.Segments, history.Segment{Voice: l.Voice, VoiceID: l.VoiceID, Text: l.Text})
	}
	return e
}

// replayRequest rebuilds the request that produced e.
func replayRequest(e history.Entry) Request {
	r := Request{
		Kind:    fetch.Kind(e.Kind),
		Text:    e.Text,
		VoiceID: e.VoiceID,
		Voice:   e.Voice,
		Channel: e.Channel,
	}
	for _, s := range e.Segments {
		r.Lines = append(r.Lines, Line{VoiceID: s.VoiceID, Voice: s.Voice, Text: s.Text})
	}
	return r
}

// before orders the combined queue: priority items first, then arrival.
func before(a, b *item) bool {
	if a.priority != b.priority {
		return a.priority
	}
	return a.seq < b.seq
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
