package lava

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNode(t *testing.T, cfg NodeConfig) *Node {
	t.Helper()
	n := NewNode(cfg, "user-1", nil, zerolog.Nop())
	t.Cleanup(n.Close)
	return n
}

// wsTestServer upgrades every request after a short delay and counts the
// upgrades, so tests can tell how many websockets were actually dialed.
func wsTestServer(t *testing.T, upgrades *atomic.Int32) NodeConfig {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		if _, err := upgrader.Upgrade(w, r, nil); err != nil {
			return
		}
		upgrades.Add(1)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return NodeConfig{Host: u.Hostname(), Port: port, Password: "pw", Label: "test"}
}

func TestConnectDialsAtMostOnce(t *testing.T) {
	var upgrades atomic.Int32
	n := testNode(t, wsTestServer(t, &upgrades))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, n.Connect(context.Background()))
		}()
	}
	wg.Wait()

	// The loser of the race returns without dialing a second socket.
	assert.Equal(t, int32(1), upgrades.Load())

	// Connecting again once established is a no-op.
	require.NoError(t, n.Connect(context.Background()))
	assert.Equal(t, int32(1), upgrades.Load())
}

func TestConnectRetriesAfterDialFailure(t *testing.T) {
	// Nothing listens here; the dial fails and must release the guard so a
	// later attempt can run.
	n := testNode(t, NodeConfig{Host: "127.0.0.1", Port: 1, Password: "pw", Label: "test"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, n.Connect(ctx))
	require.Error(t, n.Connect(ctx), "the guard is released after a failed dial")
}

func TestHandleDisconnectIgnoresSupersededConn(t *testing.T) {
	n := NewNode(NodeConfig{Host: "h", Port: 2333, Password: "pw", Label: "test"}, "user-1", nil, zerolog.Nop())

	current := &websocket.Conn{}
	n.mu.Lock()
	n.conn = current
	n.connected = true
	n.sessionID = "sess-1"
	n.mu.Unlock()

	// An orphaned socket's read loop dying must not tear down the live one.
	n.handleDisconnect(&websocket.Conn{}, errors.New("read: connection reset"))
	assert.True(t, n.Connected(), "the current connection stays up")

	sid, err := n.session()
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sid)

	// The current conn failing does tear state down.
	n.mu.Lock()
	n.closed = true // keep the reconnect loop out of this test
	n.mu.Unlock()
	n.handleDisconnect(current, errors.New("read: connection reset"))
	assert.False(t, n.Connected())
}
