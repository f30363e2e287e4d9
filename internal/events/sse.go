package events

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// DefaultKeepAlive is the interval between SSE comment frames.
const DefaultKeepAlive = 15 * time.Second

// sseWriteTimeout bounds one frame write to a stalled peer.
const sseWriteTimeout = 5 * time.Second

// WriteFrame writes e as one SSE frame.
func WriteFrame(w *bufio.Writer, e Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Name, e.Data); err != nil {
		return err
	}
	return w.Flush()
}

// ServeSSE streams first and then every event from sub to w until the
// request ends or the subscription closes. The subscription is closed on
// return.
func ServeSSE(ctx context.Context, w http.ResponseWriter, first Event, sub *Subscription, keepAlive time.Duration) error {
	defer sub.Close()

	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	send := func(write func() error) error {
		if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		if err := write(); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	}

	if err := send(func() error { return WriteFrame(bw, first) }); err != nil {
		return err
	}

	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := send(func() error { return WriteFrame(bw, e) }); err != nil {
				return err
			}
		case <-ticker.C:
			if err := send(func() error {
				if _, err := bw.WriteString(": keepalive\n\n"); err != nil {
					return err
				}
				return bw.Flush()
			}); err != nil {
				return err
			}
		}
	}
}
