package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type watchFixture struct {
	srv      *httptest.Server
	server   *Server
	registry *Registry
	durable  *recordingDurability
}

func newWatchFixture(t *testing.T) *watchFixture {
	t.Helper()
	d := &recordingDurability{}
	registry := NewRegistry(d, nil)
	server := NewServer(registry, ServerConfig{WriteTimeout: time.Second})

	r := chi.NewRouter()
	r.Get("/watch/{username}", server.HandleWatch)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &watchFixture{srv: srv, server: server, registry: registry, durable: d}
}

func (f *watchFixture) dial(t *testing.T, username string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/watch/" + username
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *watchFixture) waitSessions(t *testing.T, username string, n int) []*Session {
	t.Helper()
	var sessions []*Session
	require.Eventually(t, func() bool {
		sessions = f.registry.SessionsFor(username)
		return len(sessions) == n
	}, waitFor, 10*time.Millisecond)
	return sessions
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	return string(data)
}

func TestWatchRegistersSessionForUser(t *testing.T) {
	f := newWatchFixture(t)
	f.dial(t, "peter")

	sessions := f.waitSessions(t, "peter", 1)
	assert.Equal(t, "peter", sessions[0].Username)
	assert.True(t, sessions[0].Transport.Open())
	assert.Empty(t, f.registry.SessionsFor("nicholas"))
}

func TestWatchPingPong(t *testing.T) {
	f := newWatchFixture(t)
	conn := f.dial(t, "peter")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	assert.Equal(t, "pong", readText(t, conn))

	// Other text frames are logged and otherwise ignored.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	assert.Equal(t, "pong", readText(t, conn))
}

func TestWatchReceivesDeliveredMessages(t *testing.T) {
	f := newWatchFixture(t)
	conn := f.dial(t, "alice")
	f.waitSessions(t, "alice", 1)

	b := NewBroadcaster(f.registry, nil)
	id := uuid.MustParse("7b2a6a3e-1f0c-4a47-a8a2-5e0c1d2e3f40")
	b.Deliver("alice", DeleteScans([]uuid.UUID{id}))

	assert.JSONEq(t, `{"type":"deleteScans","ids":["7b2a6a3e-1f0c-4a47-a8a2-5e0c1d2e3f40"]}`, readText(t, conn))
}

func TestWatchClientCloseUnregistersOnce(t *testing.T) {
	f := newWatchFixture(t)
	conn := f.dial(t, "alice")
	sess := f.waitSessions(t, "alice", 1)[0]

	require.NoError(t, conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
	))
	_ = conn.Close()

	f.waitSessions(t, "alice", 0)
	assert.False(t, sess.Transport.Open())

	// Delivery after close never touches the dead session.
	NewBroadcaster(f.registry, nil).Deliver("alice", LiveUpdatesLost())

	require.Eventually(t, func() bool {
		return len(f.durable.Calls()) == 2
	}, waitFor, 10*time.Millisecond)
	calls := f.durable.Calls()
	assert.Equal(t, durabilityCall{op: "persist", id: sess.ID, username: "alice"}, calls[0])
	assert.Equal(t, durabilityCall{op: "remove", id: sess.ID}, calls[1])
}

func TestWatchAbruptDisconnectUnregisters(t *testing.T) {
	f := newWatchFixture(t)
	conn := f.dial(t, "alice")
	f.waitSessions(t, "alice", 1)

	// Drop the TCP connection without a close frame.
	require.NoError(t, conn.UnderlyingConn().Close())

	f.waitSessions(t, "alice", 0)
}

func TestWatchShutdownClosesSessions(t *testing.T) {
	f := newWatchFixture(t)
	c1 := f.dial(t, "alice")
	f.dial(t, "bob")
	f.waitSessions(t, "alice", 1)
	f.waitSessions(t, "bob", 1)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))

	assert.Zero(t, f.registry.Len())

	require.NoError(t, c1.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := c1.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestWatchRejectedAfterShutdown(t *testing.T) {
	f := newWatchFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/watch/alice"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if conn != nil {
		_ = conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Zero(t, f.registry.Len())
	assert.Empty(t, f.durable.Calls())
}

func TestWatchAdmissionDuringShutdownLeavesNoSessions(t *testing.T) {
	f := newWatchFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/watch/alice"

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			// Read until the server closes the session.
			_ = conn.SetReadDeadline(time.Now().Add(waitFor))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))
	wg.Wait()

	assert.Zero(t, f.registry.Len())
	var persisted, removed int
	for _, c := range f.durable.Calls() {
		if c.op == "persist" {
			persisted++
		} else {
			removed++
		}
	}
	assert.Equal(t, persisted, removed, "every admitted session unregistered exactly once")
}

func TestWritePumpFailureRemovesSession(t *testing.T) {
	f := newWatchFixture(t)
	f.dial(t, "alice")
	sess := f.waitSessions(t, "alice", 1)[0]

	c := sess.Transport.(*conn)
	// Break the server side socket so the next write fails.
	require.NoError(t, c.ws.UnderlyingConn().Close())
	_ = c.Send([]byte(`{"type":"test"}`))

	f.waitSessions(t, "alice", 0)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin header", nil, "", "example.com", true},
		{"same host", nil, "http://example.com", "example.com", true},
		{"localhost", nil, "http://localhost:5173", "example.com", true},
		{"loopback v6", nil, "http://[::1]:3000", "example.com", true},
		{"foreign", nil, "http://evil.test", "example.com", false},
		{"allow list exact", []string{"https://app.test"}, "https://app.test", "api.test", true},
		{"allow list host match", []string{"https://app.test"}, "http://app.test", "api.test", true},
		{"allow list miss", []string{"https://app.test"}, "http://localhost", "api.test", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(NewRegistry(nil, nil), ServerConfig{AllowedOrigins: tt.allowed})
			req := httptest.NewRequest(http.MethodGet, "/watch/alice", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, s.checkOrigin(req))
		})
	}
}
