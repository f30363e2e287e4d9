package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/speakd/internal/fetch"
	"github.com/MrWong99/speakd/internal/history"
	"github.com/MrWong99/speakd/internal/observe"
	"github.com/MrWong99/speakd/internal/queue"
	"github.com/MrWong99/speakd/internal/voice"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// ---- Speech ----

type speakResponse struct {
	ID          string `json:"id"`
	Position    int    `json:"position"`
	Voice       string `json:"voice"`
	TextPreview string `json:"text_preview"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(w, r)
	if writeBadRequest(w, err) {
		return
	}

	text, ok := body.text("text")
	if !ok {
		writeError(w, http.StatusBadRequest, "No text provided")
		return
	}
	if utf8.RuneCountInString(text) > s.maxText {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Text too long (max %d chars)", s.maxText))
		return
	}
	name, err := body.optString("voice", "Voice must be a string")
	if writeBadRequest(w, err) {
		return
	}
	channel, err := body.optString("channel", "Channel must be a string")
	if writeBadRequest(w, err) {
		return
	}

	res, resErr := s.resolver.Resolve(r.Context(), name)
	if !s.hasAPIKey {
		writeError(w, http.StatusInternalServerError, "ELEVENLABS_API_KEY not set")
		return
	}
	if errors.Is(resErr, voice.ErrNoVoice) {
		writeError(w, http.StatusBadRequest, "No voice specified and ELEVENLABS_VOICE_ID not set")
		return
	}
	if resErr != nil {
		writeError(w, http.StatusBadRequest, "Cannot resolve voice: "+name)
		return
	}

	acc, err := s.queue.Enqueue(queue.Request{
		Kind:     fetch.KindSpeak,
		Text:     text,
		VoiceID:  res.ID,
		Voice:    res.Label,
		Channel:  channel,
		Priority: body.truthy("priority"),
	})
	if err != nil {
		s.writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, speakResponse{
		ID:          acc.ID,
		Position:    acc.Position,
		Voice:       acc.Voice,
		TextPreview: acc.Preview,
	})
}

type dialogueResponse struct {
	ID       string   `json:"id"`
	Position int      `json:"position"`
	Voices   []string `json:"voices"`
}

func (s *Server) handleDialogue(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(w, r)
	if writeBadRequest(w, err) {
		return
	}

	items, ok := body["dialogue"].([]any)
	if !ok || len(items) == 0 {
		writeError(w, http.StatusBadRequest, "No dialogue provided")
		return
	}
	channel, err := body.optString("channel", "Channel must be a string")
	if writeBadRequest(w, err) {
		return
	}
	if !s.hasAPIKey {
		writeError(w, http.StatusInternalServerError, "ELEVENLABS_API_KEY not set")
		return
	}

	lines := make([]queue.Line, 0, len(items))
	labels := make([]string, 0, len(items))
	for i, raw := range items {
		m, ok := raw.(map[string]any)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Dialogue item %d must be an object", i))
			return
		}
		item := object(m)
		text, ok := item.text("text")
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Dialogue item %d missing 'text'", i))
			return
		}
		if utf8.RuneCountInString(text) > s.maxText {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Dialogue item %d text too long", i))
			return
		}
		name, err := item.optString("voice", fmt.Sprintf("Dialogue item %d voice must be a string", i))
		if writeBadRequest(w, err) {
			return
		}
		res, err := s.resolver.Resolve(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Cannot resolve voice: "+name)
			return
		}
		lines = append(lines, queue.Line{VoiceID: res.ID, Voice: res.Label, Text: text})
		labels = append(labels, res.Label)
	}

	acc, err := s.queue.Enqueue(queue.Request{
		Kind:     fetch.KindDialogue,
		Lines:    lines,
		Channel:  channel,
		Priority: body.truthy("priority"),
	})
	if err != nil {
		s.writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dialogueResponse{ID: acc.ID, Position: acc.Position, Voices: labels})
}

func (s *Server) writeEnqueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "Server shutting down")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ---- Queue control ----

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Status(r.URL.Query().Get("channel")))
}

func (s *Server) handleSkip(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"skipped": s.queue.Skip()})
}

// channelBody reads the optional channel of clear, pause and resume.
func channelBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	channel, err := decodeOptional(w, r).optString("channel", "Channel must be a string")
	if writeBadRequest(w, err) {
		return "", false
	}
	return channel, true
}

func nullableChannel(c string) *string {
	if c == "" {
		return nil
	}
	return &c
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	channel, ok := channelBody(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": s.queue.Clear(channel)})
}

type pauseResponse struct {
	Paused  bool    `json:"paused,omitempty"`
	Resumed bool    `json:"resumed,omitempty"`
	Channel *string `json:"channel"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	channel, ok := channelBody(w, r)
	if !ok {
		return
	}
	s.queue.Pause(channel)
	writeJSON(w, http.StatusOK, pauseResponse{Paused: true, Channel: nullableChannel(channel)})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	channel, ok := channelBody(w, r)
	if !ok {
		return
	}
	s.queue.Resume(channel)
	writeJSON(w, http.StatusOK, pauseResponse{Resumed: true, Channel: nullableChannel(channel)})
}

type seekResponse struct {
	Seeked bool    `json:"seeked"`
	Offset float64 `json:"offset"`
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(w, r)
	if writeBadRequest(w, err) {
		return
	}
	raw, ok := body["offset"]
	if !ok || raw == nil {
		writeError(w, http.StatusBadRequest, "No offset provided")
		return
	}
	sec, err := seconds(raw)
	if writeBadRequest(w, err) {
		return
	}
	// Durations beyond ~292 years overflow; the controller clamps to the
	// item length anyway.
	sec = min(sec, math.MaxInt64/float64(time.Second))
	if !s.queue.Seek(time.Duration(sec * float64(time.Second))) {
		writeError(w, http.StatusConflict, "Nothing playing to seek")
		return
	}
	writeJSON(w, http.StatusOK, seekResponse{Seeked: true, Offset: sec})
}

func (s *Server) handleHold(w http.ResponseWriter, _ *http.Request) {
	if !s.queue.Hold() {
		writeError(w, http.StatusConflict, "Nothing playing to pause")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"held": true})
}

func (s *Server) handleRelease(w http.ResponseWriter, _ *http.Request) {
	if !s.queue.Release() {
		writeError(w, http.StatusConflict, "Nothing playing to resume")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": true})
}

// ---- History ----

type historyResponse struct {
	Entries []history.Entry `json:"entries"`
	Total   int             `json:"total"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultHistoryLimit)
	limit = min(max(limit, 1), maxHistoryLimit)
	offset := max(queryInt(r, "offset", 0), 0)

	entries, total := s.history.List(limit, offset, r.URL.Query().Get("channel"))
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Entries: entries, Total: total})
}

type replayResponse struct {
	ID        string `json:"id"`
	Position  int    `json:"position"`
	Replaying string `json:"replaying"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(w, r)
	if writeBadRequest(w, err) {
		return
	}
	id, ok := body.text("id")
	if !ok {
		writeError(w, http.StatusBadRequest, "No id provided")
		return
	}

	acc, err := s.queue.EnqueueReplay(id)
	switch {
	case errors.Is(err, queue.ErrUnknownEntry):
		writeError(w, http.StatusNotFound, "Entry not found in history")
		return
	case errors.Is(err, queue.ErrAudioExpired):
		writeError(w, http.StatusNotFound, "Cached audio not found (may have expired)")
		return
	case err != nil:
		s.writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, replayResponse{ID: acc.ID, Position: acc.Position, Replaying: id})
}

// ---- Voices ----

func (s *Server) handleVoices(w http.ResponseWriter, _ *http.Request) {
	data := []byte("[]")
	if roster := s.resolver.Roster(); roster != nil && len(roster.JSON()) > 0 {
		data = roster.JSON()
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// ---- Event streams ----

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, "sse", func(sub subscription) error {
		return sub.serveSSE(w, r, s.keepAlive)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, "ws", func(sub subscription) error {
		return sub.serveWS(w, r)
	})
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, transport string, serve func(subscription) error) {
	ctx := r.Context()
	first, sub, err := s.queue.Subscribe()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	attrs := metric.WithAttributes(observe.Attr("transport", transport))
	s.metrics.Subscribers.Add(ctx, 1, attrs)
	defer s.metrics.Subscribers.Add(ctx, -1, attrs)

	log := observe.Logger(ctx)
	log.Debug("api: subscriber connected", "transport", transport)
	if err := serve(subscription{first: first, sub: sub}); err != nil {
		log.Debug("api: subscriber ended", "transport", transport, "err", err)
	}
}
