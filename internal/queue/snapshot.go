package queue

import (
	"time"

	"github.com/MrWong99/speakd/internal/history"
)

// ItemView is one row of a [Snapshot].
type ItemView struct {
	Position int     `json:"position"`
	Status   Status  `json:"status"`
	ID       string  `json:"id"`
	Voice    string  `json:"voice"`
	Text     string  `json:"text"`
	Channel  *string `json:"channel"`
	Priority bool    `json:"priority"`
}

// Snapshot is the full queue state served on /queue and sent as the state
// event. The selected item, if any, comes first with position 0.
type Snapshot struct {
	Playing       bool            `json:"playing"`
	Queued        int             `json:"queued"`
	Total         int             `json:"total"`
	Items         []ItemView      `json:"items"`
	Paused        bool            `json:"paused"`
	ChannelPaused []string        `json:"channel_paused"`
	PlaybackHeld  bool            `json:"playback_held"`
	RecentHistory []history.Entry `json:"recent_history"`
}

// PauseState is the payload of the pause_state event.
type PauseState struct {
	GlobalPaused  bool     `json:"global_paused"`
	ChannelPaused []string `json:"channel_paused"`
	PlaybackHeld  bool     `json:"playback_held"`
}

// VoiceActive is the payload of the voice_active event. An idle event has
// Type "idle" and null item fields.
type VoiceActive struct {
	ID            *string   `json:"id"`
	Voice         *string   `json:"voice"`
	Type          string    `json:"type"`
	Text          *string   `json:"text"`
	Duration      *float64  `json:"duration"`
	TotalDuration *float64  `json:"total_duration"`
	Offset        float64   `json:"offset"`
	Segments      []Segment `json:"segments"`
	Envelope      []float64 `json:"envelope"`
	ChunkMS       int       `json:"chunk_ms"`
	Queued        int       `json:"queued"`
	Channel       *string   `json:"channel"`
	Priority      bool      `json:"priority"`
}

// TypeIdle is the voice_active type sent when nothing plays.
const TypeIdle = "idle"

func (it *item) view(pos int) ItemView {
	return ItemView{
		Position: pos,
		Status:   it.status,
		ID:       it.id,
		Voice:    it.voice,
		Text:     it.preview,
		Channel:  nullable(it.channel),
		Priority: it.priority,
	}
}

// activeEvent describes it playing from offset. The envelope is cut to
// start at offset and the duration is the time remaining.
func (it *item) activeEvent(offset time.Duration, chunkMS, queued int) VoiceActive {
	ev := VoiceActive{
		ID:       nullable(it.id),
		Voice:    nullable(it.voice),
		Type:     string(it.kind),
		Text:     nullable(it.preview),
		Offset:   round3(offset.Seconds()),
		Envelope: sliceEnvelope(it.envelope, offset, chunkMS),
		ChunkMS:  chunkMS,
		Queued:   queued,
		Channel:  nullable(it.channel),
		Priority: it.priority,
	}
	if len(it.segments) > 0 {
		ev.Segments = it.segments
	}
	if it.duration > 0 {
		total := round3(it.duration.Seconds())
		remaining := round3((it.duration - offset).Seconds())
		ev.TotalDuration, ev.Duration = &total, &remaining
	}
	return ev
}

func idleEvent(chunkMS, queued int) VoiceActive {
	return VoiceActive{Type: TypeIdle, ChunkMS: chunkMS, Queued: queued}
}

func sliceEnvelope(env []float64, offset time.Duration, chunkMS int) []float64 {
	if chunkMS <= 0 || offset <= 0 {
		return nonNil(env)
	}
	skip := int(offset / (time.Duration(chunkMS) * time.Millisecond))
	if skip >= len(env) {
		return []float64{}
	}
	return env[skip:]
}

func nonNil(env []float64) []float64 {
	if env == nil {
		return []float64{}
	}
	return env
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
