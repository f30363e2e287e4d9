package queue

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/speakd/internal/cache"
	"github.com/MrWong99/speakd/internal/envelope"
	"github.com/MrWong99/speakd/internal/events"
	"github.com/MrWong99/speakd/internal/fetch"
	"github.com/MrWong99/speakd/internal/history"
	"github.com/MrWong99/speakd/internal/playback"
	audiomock "github.com/MrWong99/speakd/pkg/audio/mock"
	"github.com/MrWong99/speakd/pkg/audio/mp3"
	"github.com/MrWong99/speakd/pkg/audio/mp3/mp3test"
	ttsmock "github.com/MrWong99/speakd/pkg/provider/tts/mock"
)

const waitTimeout = 3 * time.Second

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t      *testing.T
	s      *Scheduler
	tts    *ttsmock.Provider
	out    *audiomock.Output
	hist   *history.Store
	cache  *cache.Disk
	clock  *testClock
	events *events.Broadcaster
}

// newHarness wires a scheduler over real fetch, cache, history, playback
// and envelope components, with mock TTS and audio output at the edges.
func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		tts:    &ttsmock.Provider{Audio: mp3test.Silence(40)},
		out:    &audiomock.Output{NativeSeek: true},
		hist:   history.NewStore(1000),
		clock:  &testClock{now: time.Unix(1700000000, 0)},
		events: events.New(),
	}
	var err error
	h.cache, err = cache.NewDisk(t.TempDir(), cache.WithClock(h.clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{
		Fetcher:  fetch.New(h.tts, fetch.WithTimeout(time.Second)),
		Cache:    h.cache,
		History:  h.hist,
		Player:   playback.New(h.out, playback.WithTempDir(t.TempDir())),
		Envelope: envelope.New(envelope.DecoderFunc(mp3.Decode)),
		Events:   h.events,
		Now:      h.clock.Now,
	}
	for _, c := range configure {
		c(&cfg)
	}
	h.s, err = New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.s.Close() })
	return h
}

func (h *harness) enqueue(text, channel string, priority bool) string {
	h.t.Helper()
	acc, err := h.s.Enqueue(Request{Kind: fetch.KindSpeak, Text: text, VoiceID: "voice-1", Voice: "Narrator", Channel: channel, Priority: priority})
	if err != nil {
		h.t.Fatalf("Enqueue(%q): %v", text, err)
	}
	return acc.ID
}

// waitFor polls cond until it holds or the test times out.
func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitPlaying waits for the nth output start and returns the playing id.
func (h *harness) waitPlaying(n int) string {
	h.t.Helper()
	if !h.out.WaitStarts(n, waitTimeout) {
		h.t.Fatalf("timed out waiting for start %d (status %+v)", n, h.s.Status(""))
	}
	var id string
	h.waitFor("playing status", func() bool {
		snap := h.s.Status("")
		if len(snap.Items) > 0 && snap.Items[0].Status == StatusPlaying {
			id = snap.Items[0].ID
			return true
		}
		return false
	})
	return id
}

// finishCurrent ends the running output process naturally and waits for
// the item to reach history.
func (h *harness) finishCurrent() {
	h.t.Helper()
	before := h.hist.Len()
	h.out.Last().Exit(nil)
	h.waitFor("history entry", func() bool { return h.hist.Len() > before })
}

func (h *harness) lastEntry() history.Entry {
	h.t.Helper()
	e := h.hist.Recent(1)
	if len(e) == 0 {
		h.t.Fatal("history is empty")
	}
	return e[0]
}

func (h *harness) settle() {
	time.Sleep(50 * time.Millisecond)
}

// nextEvent reads from sub until an event named name arrives.
func nextEvent(t *testing.T, sub *events.Subscription, name string, v any) {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscription closed waiting for %s", name)
			}
			if e.Name != name {
				continue
			}
			if v != nil {
				if err := json.Unmarshal(e.Data, v); err != nil {
					t.Fatalf("decode %s: %v", name, err)
				}
			}
			return
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", name)
		}
	}
}
