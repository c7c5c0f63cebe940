package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coscribe/coscribe/internal/awareness"
	"github.com/coscribe/coscribe/internal/crdt"
	"github.com/coscribe/coscribe/internal/events"
	"github.com/coscribe/coscribe/internal/permission"
	"github.com/coscribe/coscribe/internal/protocol"
)

// SessionState is a session's position in the connection lifecycle.
type SessionState int32

const (
	// SessionOnline means the websocket is up and updates flow immediately.
	SessionOnline SessionState = iota
	// SessionReconnecting means the transport dropped and the backoff
	// schedule is running. Local edits keep working and queue durably.
	SessionReconnecting
	// SessionOffline means the reconnect budget is spent; a manual
	// Reconnect call is needed. Local edits still work and queue.
	SessionOffline
	// SessionClosed means Close was called.
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionOnline:
		return "online"
	case SessionReconnecting:
		return "reconnecting"
	case SessionOffline:
		return "offline"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

// EventKind classifies session events.
type EventKind int

const (
	// EventRemoteChange reports that remote edits were merged into the
	// local replica.
	EventRemoteChange EventKind = iota
	// EventAwareness reports a peer presence change.
	EventAwareness
	// EventStateChange reports a connection lifecycle transition.
	EventStateChange
	// EventServerError reports an error frame from the server.
	EventServerError
)

// Event is one session notification.
type Event struct {
	Kind        EventKind
	Update      []byte
	Awareness   *awareness.Update
	State       SessionState
	ServerError *protocol.ErrorPayload
}

const sessionSendQueue = 256

// Session is one client's live replica of a document: a local CRDT the
// application edits directly, synchronized with the server whenever a
// connection exists.
type Session struct {
	DocumentID string

	client   *Client
	doc      *crdt.Document
	queue    *OfflineQueue
	logger   *zap.Logger
	events   *events.Dispatcher[Event]
	presence *awareness.Registry
	backoff  *reconnectBackoff
	actorID  string

	state atomic.Int32

	mu     sync.Mutex
	ws     *websocket.Conn
	sync   *crdt.SyncState
	sendCh chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(c *Client, documentID, actorID string) (*Session, error) {
	doc, err := crdt.New(actorID)
	if err != nil {
		return nil, err
	}
	s := &Session{
		DocumentID: documentID,
		client:     c,
		doc:        doc,
		queue:      c.queue,
		logger:     c.logger.With(zap.String("document", documentID)),
		events:     events.NewDispatcher[Event](),
		presence:   awareness.NewRegistry(),
		backoff:    newReconnectBackoff(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectFactor, c.cfg.ReconnectMaxAttempts),
		actorID:    actorID,
		closed:     make(chan struct{}),
	}
	s.state.Store(int32(SessionOffline))
	return s, nil
}

// State returns the session's connection state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	if SessionState(s.state.Swap(int32(state))) != state {
		s.events.Publish(Event{Kind: EventStateChange, State: state})
	}
}

// Events returns a stream of session notifications. The returned cancel
// function releases the subscription.
func (s *Session) Events() (<-chan Event, func()) {
	return s.events.Subscribe()
}

func (s *Session) endpoint() string {
	return fmt.Sprintf("%s/ws/%s?token=%s",
		s.client.cfg.ServerURL, s.DocumentID, url.QueryEscape(s.client.cfg.Token))
}

// connect dials the server, starts the pumps, replays the offline queue,
// and opens the sync handshake.
func (s *Session) connect(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, s.endpoint(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", s.client.cfg.ServerURL, err)
	}

	s.mu.Lock()
	s.ws = ws
	s.sync = s.doc.NewSyncState()
	s.sendCh = make(chan []byte, sessionSendQueue)
	sendCh := s.sendCh
	s.mu.Unlock()

	done := make(chan struct{})
	go s.writeLoop(ws, sendCh, done)
	go s.readLoop(ws, done)

	s.setState(SessionOnline)
	s.backoff.reset()

	s.flushQueue()
	s.pumpSync()
	return nil
}

// queueFrame hands a frame to the current connection's writer.
func (s *Session) queueFrame(frame []byte) bool {
	if s.State() != SessionOnline {
		return false
	}
	s.mu.Lock()
	ch := s.sendCh
	s.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- frame:
		return true
	default:
		s.logger.Warn("send queue full, frame dropped")
		return false
	}
}

// mayTransmit reports whether this identity may push edits. Until the
// permission registry has synced (no owner recorded yet) transmission stays
// permissive so a document's first owner is not blocked before the initial
// handshake completes.
func (s *Session) mayTransmit() bool {
	ownerID, err := s.doc.Meta(permission.MetaOwnerID)
	if err != nil || ownerID == "" {
		return true
	}
	return permission.CanEdit(s.doc, s.client.cfg.UserID)
}

// deliverUpdate sends an update now or queues it durably for later. The
// sync handshake on reconnect covers any frame lost in transit. Edits from
// a viewer stay local: they are neither transmitted nor queued, mirroring
// the server's own enforcement.
func (s *Session) deliverUpdate(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	if !s.mayTransmit() {
		s.logger.Debug("edit kept local, no write access")
		return nil
	}
	frame := protocol.Encode(protocol.KindUpdate, update, time.Now().UnixMilli())
	if s.queueFrame(frame) {
		return nil
	}
	if err := s.queue.Enqueue(s.DocumentID, update); err != nil {
		return fmt.Errorf("failed to queue offline update: %w", err)
	}
	s.logger.Debug("update queued offline", zap.Int("pending", s.queue.Len(s.DocumentID)))
	return nil
}

// flushQueue replays the offline backlog in order. Entries stay queued
// until handed to the writer; replaying a duplicate later is harmless.
func (s *Session) flushQueue() {
	pending, err := s.queue.Pending(s.DocumentID)
	if err != nil {
		s.logger.Error("failed to read offline queue", zap.Error(err))
		return
	}
	for _, item := range pending {
		// Queued entries can predate this replica (a restart loses the
		// in-memory document but not the queue). Folding them in locally
		// is a no-op when the replica already has them.
		if err := s.doc.ApplyRemote(item.Update); err != nil {
			s.logger.Error("dropping corrupt queued update", zap.Error(err))
			s.queue.Remove(s.DocumentID, item.Key)
			continue
		}
		s.doc.TakeIncremental()
		frame := protocol.Encode(protocol.KindUpdate, item.Update, time.Now().UnixMilli())
		if !s.queueFrame(frame) {
			return
		}
		if err := s.queue.Remove(s.DocumentID, item.Key); err != nil {
			s.logger.Warn("failed to drop delivered queue entry", zap.Error(err))
		}
	}
	if len(pending) > 0 {
		s.logger.Info("offline queue flushed", zap.Int("updates", len(pending)))
	}
}

// pumpSync flushes pending outbound sync messages.
func (s *Session) pumpSync() {
	s.mu.Lock()
	ss := s.sync
	s.mu.Unlock()
	if ss == nil {
		return
	}
	for {
		msg := ss.Generate()
		if msg == nil {
			return
		}
		if !s.queueFrame(protocol.Encode(protocol.KindSyncStep1, msg, time.Now().UnixMilli())) {
			return
		}
	}
}

func (s *Session) writeLoop(ws *websocket.Conn, sendCh chan []byte, done chan struct{}) {
	for {
		select {
		case frame := <-sendCh:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				ws.Close()
				return
			}
		case <-done:
			return
		case <-s.closed:
			ws.Close()
			return
		}
	}
}

func (s *Session) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer func() {
		close(done)
		ws.Close()
		s.handleDisconnect()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		s.handleFrame(msg)
	}
}

func (s *Session) handleFrame(msg *protocol.Message) {
	switch msg.Kind {
	case protocol.KindSyncStep1, protocol.KindSyncStep2:
		s.mu.Lock()
		ss := s.sync
		s.mu.Unlock()
		if ss == nil {
			return
		}
		if err := ss.Receive(msg.Payload); err != nil {
			s.logger.Warn("rejecting sync message", zap.Error(err))
			return
		}
		if merged := s.doc.TakeIncremental(); len(merged) > 0 {
			s.events.Publish(Event{Kind: EventRemoteChange, Update: merged})
		}
		s.pumpSync()

	case protocol.KindUpdate:
		if err := s.doc.ApplyRemote(msg.Payload); err != nil {
			s.logger.Warn("rejecting remote update", zap.Error(err))
			return
		}
		s.doc.TakeIncremental()
		s.events.Publish(Event{Kind: EventRemoteChange, Update: msg.Payload})

	case protocol.KindAck:
		// Server accepted an update; nothing to do.

	case protocol.KindAwareness:
		u, err := awareness.DecodeUpdate(msg.Payload)
		if err != nil {
			return
		}
		if u.State == nil {
			s.presence.Remove(u.ClientID)
		} else {
			s.presence.Apply(u.ClientID, *u.State)
		}
		s.events.Publish(Event{Kind: EventAwareness, Awareness: u})

	case protocol.KindError:
		if p, err := protocol.DecodeErrorPayload(msg.Payload); err == nil {
			s.logger.Warn("server error", zap.String("code", p.Code), zap.String("error", p.Error))
			s.events.Publish(Event{Kind: EventServerError, ServerError: p})
		}
	}
}

// handleDisconnect flips the session into the reconnect schedule.
func (s *Session) handleDisconnect() {
	if !s.state.CompareAndSwap(int32(SessionOnline), int32(SessionReconnecting)) {
		return
	}
	s.events.Publish(Event{Kind: EventStateChange, State: SessionReconnecting})
	s.logger.Info("connection lost, reconnecting")
	go s.reconnectLoop()
}

// reconnectLoop retries the connection on the backoff schedule until it
// succeeds, the attempt budget is spent, or the session closes.
func (s *Session) reconnectLoop() {
	for {
		delay, ok := s.backoff.next()
		if !ok {
			s.logger.Warn("reconnect attempts exhausted, staying offline")
			s.setState(SessionOffline)
			return
		}

		select {
		case <-time.After(delay):
		case <-s.closed:
			return
		}
		if s.State() == SessionClosed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.connect(ctx)
		cancel()
		if err == nil {
			s.logger.Info("reconnected", zap.Int("attempt", s.backoff.attemptCount()))
			return
		}
		s.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", s.backoff.attemptCount()), zap.Error(err))
	}
}

// Reconnect restarts the schedule after the attempt budget was spent.
func (s *Session) Reconnect(ctx context.Context) error {
	if s.State() == SessionClosed {
		return fmt.Errorf("session is closed")
	}
	s.backoff.reset()
	return s.connect(ctx)
}

// Close shuts the session down. Queued offline updates stay on disk for the
// next session.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(SessionClosed))
		close(s.closed)
		s.mu.Lock()
		if s.ws != nil {
			s.ws.Close()
		}
		s.mu.Unlock()
		s.events.Close()
	})
}

// InsertText inserts text into the local replica and propagates the change.
// The local view updates immediately regardless of connectivity.
func (s *Session) InsertText(pos int, text string) error {
	update, err := s.doc.InsertText(pos, text)
	if err != nil {
		return err
	}
	return s.deliverUpdate(update)
}

// DeleteText removes text from the local replica and propagates the change.
func (s *Session) DeleteText(pos, count int) error {
	update, err := s.doc.DeleteText(pos, count)
	if err != nil {
		return err
	}
	return s.deliverUpdate(update)
}

// Body returns the local replica's current text.
func (s *Session) Body() (string, error) {
	return s.doc.Body()
}

// UpdatePresence announces this client's presence. Presence is ephemeral:
// nothing is queued while offline.
func (s *Session) UpdatePresence(state awareness.State) error {
	payload, err := awareness.EncodeUpdate(awareness.Update{ClientID: s.actorID, State: &state})
	if err != nil {
		return err
	}
	s.queueFrame(protocol.Encode(protocol.KindAwareness, payload, time.Now().UnixMilli()))
	return nil
}

// ClearPresence announces departure.
func (s *Session) ClearPresence() error {
	payload, err := awareness.EncodeUpdate(awareness.Update{ClientID: s.actorID, State: nil})
	if err != nil {
		return err
	}
	s.queueFrame(protocol.Encode(protocol.KindAwareness, payload, time.Now().UnixMilli()))
	return nil
}

// Presence returns the last known presence of every peer.
func (s *Session) Presence() map[string]awareness.State {
	return s.presence.Snapshot()
}

// Permissions lists the document's permission rows from the local replica.
func (s *Session) Permissions() ([]permission.Permission, error) {
	return permission.List(s.doc)
}

// SetPermission grants or changes another user's role. The caller must be
// the document owner; the server re-checks on receipt.
func (s *Session) SetPermission(userID, userName, userEmail string, role permission.Role) error {
	update, err := permission.SetUserPermission(s.doc, s.client.cfg.UserID, permission.Permission{
		UserID:    userID,
		UserName:  userName,
		UserEmail: userEmail,
		Role:      role,
	})
	if err != nil {
		return err
	}
	return s.deliverUpdate(update)
}

// RemovePermission revokes a user's access row.
func (s *Session) RemovePermission(userID string) error {
	update, err := permission.RemoveUserPermission(s.doc, s.client.cfg.UserID, userID)
	if err != nil {
		return err
	}
	return s.deliverUpdate(update)
}

// TransferOwnership hands the document to another grantee.
func (s *Session) TransferOwnership(newOwnerID string) error {
	update, err := permission.TransferOwnership(s.doc, s.client.cfg.UserID, newOwnerID)
	if err != nil {
		return err
	}
	return s.deliverUpdate(update)
}

// OfflineStatus describes the session's delivery backlog.
type OfflineStatus struct {
	State             SessionState
	QueuedUpdates     int
	ReconnectAttempts int
}

// GetOfflineStatus reports connection state and pending queue depth.
func (s *Session) GetOfflineStatus() OfflineStatus {
	return OfflineStatus{
		State:             s.State(),
		QueuedUpdates:     s.queue.Len(s.DocumentID),
		ReconnectAttempts: s.backoff.attemptCount(),
	}
}
