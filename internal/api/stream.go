package api

import (
	"net/http"
	"time"

	"github.com/MrWong99/speakd/internal/events"
)

// subscription pairs a fresh subscriber with the snapshot it must see first.
type subscription struct {
	first events.Event
	sub   *events.Subscription
}

func (s subscription) serveSSE(w http.ResponseWriter, r *http.Request, keepAlive time.Duration) error {
	return events.ServeSSE(r.Context(), w, s.first, s.sub, keepAlive)
}

func (s subscription) serveWS(w http.ResponseWriter, r *http.Request) error {
	return events.ServeWS(w, r, s.first, s.sub)
}
