package events

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const wsWriteTimeout = 5 * time.Second

// LocalOriginPatterns are the Origin host patterns accepted for WebSocket
// upgrades in addition to same-host requests.
var LocalOriginPatterns = []string{"127.0.0.1", "127.0.0.1:*", "localhost", "localhost:*", "[::1]", "[::1]:*"}

type wsMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ServeWS upgrades the request and streams first and then every event from
// sub as JSON text messages {event, data}. Messages from the client are
// ignored. The subscription is closed on return.
func ServeWS(w http.ResponseWriter, r *http.Request, first Event, sub *Subscription) error {
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: LocalOriginPatterns})
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())

	if err := writeWS(ctx, conn, first); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusTryAgainLater, "subscriber dropped")
				return nil
			}
			if err := writeWS(ctx, conn, e); err != nil {
				return err
			}
		}
	}
}

func writeWS(ctx context.Context, conn *websocket.Conn, e Event) error {
	data, err := json.Marshal(wsMessage{Event: e.Name, Data: e.Data})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
