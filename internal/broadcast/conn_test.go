package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livepoll/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveHub upgrades every request into a ConnViewer attached to h.
func serveHub(t *testing.T, h *Hub) func() *ws.Conn {
	t.Helper()
	upgrader := ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		viewer := NewConnViewer(conn, clockwork.NewRealClock())
		handle, err := h.Attach(viewer)
		if err != nil {
			return
		}
		viewer.Serve(r.Context())
		h.Detach(handle)
	}))
	t.Cleanup(server.Close)

	return func() *ws.Conn {
		t.Helper()
		url := "ws" + strings.TrimPrefix(server.URL, "http")
		conn, _, err := ws.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}
}

func readMessage(t *testing.T, conn *ws.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestConnViewer_ReceivesSnapshotWithoutVoters(t *testing.T) {
	h := testHub(t, 10)
	change := pollAt(7, "Pick one")
	change.Poll.Voters["secret-device"] = 0
	change.Poll.Options[0].Votes = 1
	change.Poll.TotalVotes = 1
	require.NoError(t, h.Start(context.Background(), &staticSource{current: change}))

	conn := serveHub(t, h)()

	msg := readMessage(t, conn)
	assert.Equal(t, int64(7), msg.Version)
	require.NotNil(t, msg.Poll)
	assert.Equal(t, "Pick one", msg.Poll.Question)
	assert.Equal(t, 1, msg.Poll.TotalVotes)
	assert.Nil(t, msg.Poll.Voters)
}

func TestConnViewer_AbsentPollIsNull(t *testing.T) {
	h := testHub(t, 10)
	require.NoError(t, h.Start(context.Background(), &staticSource{current: domain.PollChange{Version: 2}}))

	conn := serveHub(t, h)()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":2,"poll":null}`, string(data))
}

func TestConnViewer_ClientDisconnectDetaches(t *testing.T) {
	h := testHub(t, 10)
	require.NoError(t, h.Start(context.Background(), &staticSource{}))

	conn := serveHub(t, h)()
	_ = readMessage(t, conn)
	require.Eventually(t, func() bool { return h.ViewerCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.ViewerCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnViewer_StopSendsCloseFrame(t *testing.T) {
	h := NewHub(clockwork.NewRealClock(), nil, 10)
	require.NoError(t, h.Start(context.Background(), &staticSource{}))

	conn := serveHub(t, h)()
	_ = readMessage(t, conn)

	h.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *ws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, ws.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "server shutting down", closeErr.Text)
}
