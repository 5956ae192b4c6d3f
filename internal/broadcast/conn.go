package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livepoll/internal/domain"
)

const (
	writeDeadline = 5 * time.Second
	pingInterval  = 30 * time.Second
	pongDeadline  = 60 * time.Second
)

// Message is the JSON frame sent to raw WebSocket viewers.
type Message struct {
	Version int64        `json:"version"`
	Poll    *domain.Poll `json:"poll"`
}

// NewMessage strips voter identities before a change leaves the process.
func NewMessage(change domain.PollChange) Message {
	return Message{Version: change.Version, Poll: change.Poll.Public()}
}

// ConnViewer writes poll changes to a gorilla WebSocket connection.
type ConnViewer struct {
	conn      *websocket.Conn
	clock     clockwork.Clock
	closeOnce sync.Once
	closed    chan struct{}
}

func NewConnViewer(conn *websocket.Conn, clock clockwork.Clock) *ConnViewer {
	v := &ConnViewer{conn: conn, clock: clock, closed: make(chan struct{})}
	v.updateReadDeadline()
	conn.SetPongHandler(func(string) error {
		v.updateReadDeadline()
		return nil
	})
	return v
}

func (v *ConnViewer) Send(ctx context.Context, change domain.PollChange) error {
	data, err := json.Marshal(NewMessage(change))
	if err != nil {
		return fmt.Errorf("failed to encode poll message: %w", err)
	}

	deadline := v.clock.Now().Add(writeDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = v.conn.SetWriteDeadline(deadline)

	if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write poll message: %w", err)
	}
	return nil
}

// Close sends a close frame with reason and drops the connection.
func (v *ConnViewer) Close(reason string) {
	v.closeOnce.Do(func() {
		close(v.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = v.conn.WriteControl(websocket.CloseMessage, msg, v.clock.Now().Add(writeDeadline))
		_ = v.conn.Close()
	})
}

// Serve reads from the connection until the peer leaves or ctx ends, pinging
// the peer meanwhile. Inbound data frames are discarded.
func (v *ConnViewer) Serve(ctx context.Context) {
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := v.conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := v.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			v.Close("server shutting down")
			return
		case <-v.closed:
			return
		case <-readErr:
			v.Close("connection closed")
			return
		case <-ticker.Chan():
			if err := v.conn.WriteControl(websocket.PingMessage, nil, v.clock.Now().Add(writeDeadline)); err != nil {
				v.Close("ping failed")
				return
			}
		}
	}
}

func (v *ConnViewer) updateReadDeadline() {
	_ = v.conn.SetReadDeadline(v.clock.Now().Add(pongDeadline))
}
