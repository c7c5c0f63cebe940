package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coscribe/coscribe/internal/auth"
	"github.com/coscribe/coscribe/internal/awareness"
	"github.com/coscribe/coscribe/internal/config"
	"github.com/coscribe/coscribe/internal/crdt"
	"github.com/coscribe/coscribe/internal/room"
	"github.com/coscribe/coscribe/internal/server"
	"github.com/coscribe/coscribe/internal/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newLiveServer(t *testing.T) string {
	t.Helper()
	cfg := &config.Config{JWTSecret: testSecret}
	hub := room.NewHub(room.HubConfig{Store: storage.NewMemoryStore()}, zap.NewNop())
	srv := server.New(cfg, hub, zap.NewNop())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newTestClient(t *testing.T, serverURL, userID string) *Client {
	t.Helper()
	cfg := Config{
		ServerURL: serverURL,
		UserID:    userID,
		QueuePath: filepath.Join(t.TempDir(), "queue.db"),
	}
	if userID != "" {
		token, err := auth.GenerateAccessToken(userID, userID, userID+"@example.com", testSecret, time.Hour)
		require.NoError(t, err)
		cfg.Token = token
	}
	c, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func awarenessState(userID, name string, head int) awareness.State {
	return awareness.State{
		UserID:      userID,
		Name:        name,
		CursorRange: &awareness.CursorRange{Anchor: head, Head: head},
	}
}

func TestReconnectBackoffSchedule(t *testing.T) {
	b := newReconnectBackoff(time.Second, 1.5, 10)

	d1, ok := b.next()
	require.True(t, ok)
	assert.Equal(t, 1000*time.Millisecond, d1)

	d2, ok := b.next()
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d2)

	d3, ok := b.next()
	require.True(t, ok)
	assert.Equal(t, 2250*time.Millisecond, d3)
}

func TestReconnectBackoffExhaustsAndResets(t *testing.T) {
	b := newReconnectBackoff(time.Millisecond, 1.5, 3)

	for i := 0; i < 3; i++ {
		_, ok := b.next()
		require.True(t, ok)
	}
	_, ok := b.next()
	assert.False(t, ok, "budget spent after max attempts")
	assert.Equal(t, 3, b.attemptCount())

	b.reset()
	d, ok := b.next()
	require.True(t, ok)
	assert.Equal(t, time.Millisecond, d, "reset restarts the schedule")
}

func TestOfflineQueueOrderAndPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := OpenOfflineQueue(path)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue("doc1", []byte{1}))
	require.NoError(t, q.Enqueue("doc1", []byte{2}))
	require.NoError(t, q.Enqueue("other", []byte{9}))
	require.NoError(t, q.Close())

	// Reopen: entries survive a process restart.
	q, err = OpenOfflineQueue(path)
	require.NoError(t, err)
	defer q.Close()

	pending, err := q.Pending("doc1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, []byte{1}, pending[0].Update)
	assert.Equal(t, []byte{2}, pending[1].Update)
	assert.NotZero(t, pending[0].QueuedAt)

	require.NoError(t, q.Remove("doc1", pending[0].Key))
	assert.Equal(t, 1, q.Len("doc1"))

	require.NoError(t, q.Clear("doc1"))
	assert.Zero(t, q.Len("doc1"))
	assert.Equal(t, 1, q.Len("other"))
}

func TestOfflineEditsQueueWhileDisconnected(t *testing.T) {
	// Nothing listens on this address; the session starts disconnected.
	c := newTestClient(t, "ws://127.0.0.1:1", "alice")

	s, err := c.Connect(context.Background(), "doc1")
	require.NoError(t, err, "a dial failure still yields a usable session")

	require.NoError(t, s.InsertText(0, "offline edit"))

	body, err := s.Body()
	require.NoError(t, err)
	assert.Equal(t, "offline edit", body, "local view updates immediately")

	status := s.GetOfflineStatus()
	assert.Equal(t, 1, status.QueuedUpdates)
	assert.Contains(t, []SessionState{SessionReconnecting, SessionOffline}, status.State)
}

func TestTwoClientsConverge(t *testing.T) {
	url := newLiveServer(t)

	alice := newTestClient(t, url, "alice")
	sa, err := alice.Connect(context.Background(), "doc1")
	require.NoError(t, err)
	require.Equal(t, SessionOnline, sa.State())

	require.NoError(t, sa.InsertText(0, "hello"))

	// A second client catches up through the sync handshake on join.
	bob := newTestClient(t, url, "")
	sb, err := bob.Connect(context.Background(), "doc1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		body, err := sb.Body()
		return err == nil && body == "hello"
	}, 5*time.Second, 50*time.Millisecond, "joiner converges on existing state")

	// Live edits relay to connected peers.
	require.NoError(t, sa.InsertText(5, " world"))
	require.Eventually(t, func() bool {
		body, err := sb.Body()
		return err == nil && body == "hello world"
	}, 5*time.Second, 50*time.Millisecond, "broadcast reaches other members")
}

func TestRemoteChangeEventsPublished(t *testing.T) {
	url := newLiveServer(t)

	alice := newTestClient(t, url, "alice")
	sa, err := alice.Connect(context.Background(), "doc1")
	require.NoError(t, err)

	bob := newTestClient(t, url, "")
	sb, err := bob.Connect(context.Background(), "doc1")
	require.NoError(t, err)

	events, cancel := sb.Events()
	defer cancel()

	require.NoError(t, sa.InsertText(0, "ping"))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventRemoteChange {
				return
			}
		case <-deadline:
			t.Fatal("no remote change event arrived")
		}
	}
}

func TestViewerEditsStayLocal(t *testing.T) {
	url := newLiveServer(t)

	// Owner claims the document first.
	alice := newTestClient(t, url, "alice")
	sa, err := alice.Connect(context.Background(), "doc1")
	require.NoError(t, err)

	// An anonymous session is a viewer once the permission registry has
	// synced to its replica.
	anon := newTestClient(t, url, "")
	sb, err := anon.Connect(context.Background(), "doc1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rows, err := sb.Permissions()
		return err == nil && len(rows) > 0
	}, 5*time.Second, 50*time.Millisecond, "permission rows sync to the viewer")

	require.NoError(t, sb.InsertText(0, "sneaky"))

	body, err := sb.Body()
	require.NoError(t, err)
	assert.Equal(t, "sneaky", body, "the viewer's own replica still shows the edit")

	assert.Zero(t, sb.GetOfflineStatus().QueuedUpdates,
		"viewer edits are never queued for delivery")

	// The edit never reaches the other replicas.
	time.Sleep(200 * time.Millisecond)
	bodyA, err := sa.Body()
	require.NoError(t, err)
	assert.Empty(t, bodyA, "viewer edits are not transmitted")
}

func TestOfflineClientsConvergeAfterReconnect(t *testing.T) {
	// Reserve an address with nothing listening yet; both clients start
	// disconnected and edit offline.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	token, err := auth.GenerateAccessToken("alice", "alice", "alice@example.com", testSecret, time.Hour)
	require.NoError(t, err)

	newDevice := func() *Session {
		c, err := New(Config{
			ServerURL:            "ws://" + addr,
			Token:                token,
			UserID:               "alice",
			QueuePath:            filepath.Join(t.TempDir(), "queue.db"),
			ReconnectBaseDelay:   50 * time.Millisecond,
			ReconnectFactor:      1.5,
			ReconnectMaxAttempts: 20,
		}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		s, err := c.Connect(context.Background(), "doc1")
		require.NoError(t, err)
		return s
	}

	s1 := newDevice()
	s2 := newDevice()

	require.NoError(t, s1.InsertText(0, "first"))
	require.NoError(t, s2.InsertText(0, "second"))
	assert.Equal(t, 1, s1.GetOfflineStatus().QueuedUpdates)
	assert.Equal(t, 1, s2.GetOfflineStatus().QueuedUpdates)

	// The server comes up; both sessions reconnect, flush their queues,
	// and converge on a merge of both edits.
	cfg := &config.Config{JWTSecret: testSecret}
	hub := room.NewHub(room.HubConfig{Store: storage.NewMemoryStore()}, zap.NewNop())
	srv := server.New(cfg, hub, zap.NewNop())

	l2, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	httpSrv := &http.Server{Handler: srv.Handler()}
	go httpSrv.Serve(l2)
	t.Cleanup(func() { httpSrv.Close() })

	require.Eventually(t, func() bool {
		b1, err1 := s1.Body()
		b2, err2 := s2.Body()
		return err1 == nil && err2 == nil &&
			b1 == b2 &&
			strings.Contains(b1, "first") && strings.Contains(b1, "second")
	}, 15*time.Second, 100*time.Millisecond, "concurrent offline edits converge")

	assert.Zero(t, s1.GetOfflineStatus().QueuedUpdates)
	assert.Zero(t, s2.GetOfflineStatus().QueuedUpdates)
}

func TestQueuedUpdatesFlushOnConnect(t *testing.T) {
	url := newLiveServer(t)
	queuePath := filepath.Join(t.TempDir(), "queue.db")

	// Seed the queue the way a crashed session would leave it.
	seed, err := crdt.New("previous-session")
	require.NoError(t, err)
	update, err := seed.InsertText(0, "queued edit")
	require.NoError(t, err)

	q, err := OpenOfflineQueue(queuePath)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue("doc1", update))
	require.NoError(t, q.Close())

	token, err := auth.GenerateAccessToken("alice", "alice", "alice@example.com", testSecret, time.Hour)
	require.NoError(t, err)
	c, err := New(Config{
		ServerURL: url,
		Token:     token,
		UserID:    "alice",
		QueuePath: queuePath,
	}, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	sa, err := c.Connect(context.Background(), "doc1")
	require.NoError(t, err)

	body, err := sa.Body()
	require.NoError(t, err)
	assert.Equal(t, "queued edit", body, "flushed entries fold into the local replica")

	require.Eventually(t, func() bool {
		return sa.GetOfflineStatus().QueuedUpdates == 0
	}, 5*time.Second, 50*time.Millisecond, "queue drains after delivery")

	// Another client sees the replayed edit.
	bob := newTestClient(t, url, "")
	sb, err := bob.Connect(context.Background(), "doc1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		body, err := sb.Body()
		return err == nil && body == "queued edit"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestPresenceRelaysBetweenClients(t *testing.T) {
	url := newLiveServer(t)

	alice := newTestClient(t, url, "alice")
	sa, err := alice.Connect(context.Background(), "doc1")
	require.NoError(t, err)

	bob := newTestClient(t, url, "")
	sb, err := bob.Connect(context.Background(), "doc1")
	require.NoError(t, err)

	require.NoError(t, sa.UpdatePresence(awarenessState("alice", "Alice", 3)))

	require.Eventually(t, func() bool {
		for _, st := range sb.Presence() {
			if st.UserID == "alice" && st.CursorRange != nil && st.CursorRange.Head == 3 {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond, "presence relays to peers")

	require.NoError(t, sa.ClearPresence())
	require.Eventually(t, func() bool {
		return len(sb.Presence()) == 0
	}, 5*time.Second, 50*time.Millisecond, "departure clears peer presence")
}
