package api

import (
	"sync"
	"time"

	"github.com/MrWong99/speakd/internal/events"
	"github.com/MrWong99/speakd/internal/queue"
)

// fakeQueue records calls and returns scripted results.
type fakeQueue struct {
	mu sync.Mutex

	// --- Configurable responses ---

	EnqueueErr error
	ReplayErr  error
	SkipResult bool
	ClearCount int
	Playing    bool
	Snapshot   queue.Snapshot

	// --- Call records ---

	Requests []queue.Request
	Replays  []string
	Cleared  []string
	Paused   []string
	Resumed  []string
	Seeks    []time.Duration
	Holds    int
	Releases int

	bus *events.Broadcaster
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{bus: events.New()}
}

func (q *fakeQueue) Enqueue(r queue.Request) (queue.Accepted, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.EnqueueErr != nil {
		return queue.Accepted{}, q.EnqueueErr
	}
	q.Requests = append(q.Requests, r)
	voice := r.Voice
	preview := r.Text
	if len(r.Lines) > 0 {
		voice = r.Lines[0].Voice
		preview = r.Lines[0].Text
	}
	return queue.Accepted{ID: "abcd1234", Position: len(q.Requests), Voice: voice, Preview: preview}, nil
}

func (q *fakeQueue) EnqueueReplay(id string) (queue.Accepted, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ReplayErr != nil {
		return queue.Accepted{}, q.ReplayErr
	}
	q.Replays = append(q.Replays, id)
	return queue.Accepted{ID: "replay01", Position: 1}, nil
}

func (q *fakeQueue) Skip() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.SkipResult
}

func (q *fakeQueue) Clear(channel string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Cleared = append(q.Cleared, channel)
	return q.ClearCount
}

func (q *fakeQueue) Pause(channel string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Paused = append(q.Paused, channel)
}

func (q *fakeQueue) Resume(channel string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Resumed = append(q.Resumed, channel)
}

func (q *fakeQueue) Seek(offset time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.Playing {
		return false
	}
	q.Seeks = append(q.Seeks, offset)
	return true
}

func (q *fakeQueue) Hold() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.Playing {
		return false
	}
	q.Holds++
	return true
}

func (q *fakeQueue) Release() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.Playing {
		return false
	}
	q.Releases++
	return true
}

func (q *fakeQueue) Status(channel string) queue.Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Snapshot
}

func (q *fakeQueue) Subscribe() (events.Event, *events.Subscription, error) {
	first, err := events.NewEvent(events.NameState, q.Status(""))
	if err != nil {
		return events.Event{}, nil, err
	}
	return first, q.bus.Subscribe(), nil
}

var _ Queue = (*fakeQueue)(nil)
