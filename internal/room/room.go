// Package room implements the server-side session coordinator: it accepts
// authenticated websocket connections, groups them into one room per
// document, replays persisted state to joiners, and relays updates and
// awareness between members. Rooms are fully independent units of
// concurrency; nothing here locks across rooms.
package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coscribe/coscribe/internal/awareness"
	"github.com/coscribe/coscribe/internal/crdt"
	"github.com/coscribe/coscribe/internal/permission"
	"github.com/coscribe/coscribe/internal/protocol"
)

// Room is the set of live connections synchronizing one document. Its
// membership list and in-memory document are shared mutable state; every
// access goes through the room mutex so that concurrent merges are
// serialized even though the merge itself is commutative.
type Room struct {
	DocumentID string

	hub    *Hub
	logger *zap.Logger

	mu       sync.Mutex
	doc      *crdt.Document
	members  map[string]*Connection
	presence *awareness.Registry

	updatesSinceSnapshot int

	stopSweep     chan struct{}
	stopSweepOnce sync.Once
}

func newRoom(hub *Hub, documentID string, doc *crdt.Document) *Room {
	r := &Room{
		DocumentID: documentID,
		hub:        hub,
		logger:     hub.logger.With(zap.String("document", documentID)),
		doc:        doc,
		members:    make(map[string]*Connection),
		presence:   awareness.NewRegistry(),
		stopSweep:  make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

func (r *Room) lock()   { r.mu.Lock() }
func (r *Room) unlock() { r.mu.Unlock() }

// join registers a connection, seeds ownership for a fresh document, and
// pushes the initial state and presence to the joiner.
func (r *Room) join(conn *Connection) {
	r.lock()
	defer r.unlock()

	r.members[conn.ID] = conn
	conn.sync = r.doc.NewSyncState()
	conn.setState(StateJoined)

	r.bootstrapOwnerLocked(conn)

	// Server-initiated half of the sync handshake; the client's
	// sync-step-1 drives the other half.
	r.pumpSyncLocked(conn)

	for clientID, state := range r.presence.Snapshot() {
		s := state
		if frame, err := encodeAwarenessFrame(clientID, &s); err == nil {
			conn.Send(frame)
		}
	}

	r.logger.Info("connection joined",
		zap.String("connection", conn.ID),
		zap.String("user", conn.Identity.UserID),
		zap.Int("members", len(r.members)))
}

// bootstrapOwnerLocked grants ownership of a document that has none to the
// first authenticated joiner. Anonymous identities never become owners.
func (r *Room) bootstrapOwnerLocked(conn *Connection) {
	if conn.Identity.Anonymous {
		return
	}
	ownerID, err := r.doc.Meta(permission.MetaOwnerID)
	if err != nil || ownerID != "" {
		return
	}

	update, err := permission.Bootstrap(r.doc, permission.Permission{
		UserID:    conn.Identity.UserID,
		UserName:  conn.Identity.Name,
		UserEmail: conn.Identity.Email,
	})
	if err != nil {
		r.logger.Warn("owner bootstrap failed", zap.Error(err))
		return
	}
	r.logger.Info("document owner seeded", zap.String("owner", conn.Identity.UserID))
	r.persistAndRelayLocked(conn, update)
}

// leave removes a connection and tears the room down when it was the last
// member. The persisted log remains the source of truth for the next join.
func (r *Room) leave(conn *Connection) {
	r.lock()

	if _, ok := r.members[conn.ID]; !ok {
		r.unlock()
		return
	}
	delete(r.members, conn.ID)
	conn.close()

	if r.presence.Remove(conn.ID) {
		if frame, err := encodeAwarenessFrame(conn.ID, nil); err == nil {
			r.broadcastLocked(frame, conn.ID)
		}
	}

	empty := len(r.members) == 0
	if empty {
		r.snapshotLocked()
	}
	r.unlock()

	r.logger.Info("connection left",
		zap.String("connection", conn.ID),
		zap.String("user", conn.Identity.UserID))

	if empty {
		r.hub.releaseRoom(r)
	}
}

// handleMessage dispatches one decoded frame from a member.
func (r *Room) handleMessage(conn *Connection, msg *protocol.Message) {
	switch msg.Kind {
	case protocol.KindSyncStep1, protocol.KindSyncStep2:
		r.handleSync(conn, msg.Payload)
	case protocol.KindUpdate:
		r.handleUpdate(conn, msg.Payload)
	case protocol.KindAwareness:
		r.handleAwareness(conn, msg.Payload)
	default:
		// Unknown kinds are skipped so newer clients keep working
		// against this server during rolling deploys.
		r.logger.Debug("skipping frame", zap.String("kind", msg.Kind.String()))
	}
}

// handleSync folds a sync-protocol message into the document and answers
// with whatever the peer is still missing. Changes learned from the peer are
// persisted and relayed to the rest of the room.
func (r *Room) handleSync(conn *Connection, payload []byte) {
	r.lock()
	defer r.unlock()

	if conn.sync == nil {
		return
	}
	if err := conn.sync.Receive(payload); err != nil {
		r.logger.Warn("rejecting sync message", zap.Error(err))
		conn.SendError("invalid sync message", "INVALID_SYNC")
		return
	}

	if merged := r.doc.TakeIncremental(); len(merged) > 0 {
		if !permission.CanEdit(r.doc, conn.Identity.UserID) {
			// The merge is already in; viewers cannot push edits, so
			// the room refuses to relay or persist them. See the
			// permission registry for the enforcement model.
			r.logger.Warn("viewer pushed changes during sync",
				zap.String("user", conn.Identity.UserID))
			conn.SendError("write access denied", "PERMISSION_DENIED")
		} else {
			r.persistAndRelayLocked(conn, merged)
		}
	}

	r.pumpSyncLocked(conn)
}

// handleUpdate validates, persists, and relays one incremental update.
func (r *Room) handleUpdate(conn *Connection, payload []byte) {
	r.lock()
	defer r.unlock()

	if !permission.CanEdit(r.doc, conn.Identity.UserID) {
		r.logger.Warn("rejecting update without write access",
			zap.String("user", conn.Identity.UserID),
			zap.String("role", string(permission.EffectiveRole(r.doc, conn.Identity.UserID))))
		conn.SendError("write access denied", "PERMISSION_DENIED")
		return
	}

	if err := r.doc.ApplyRemote(payload); err != nil {
		r.logger.Warn("rejecting undecodable update", zap.Error(err))
		conn.SendError("invalid update", "INVALID_UPDATE")
		return
	}
	// Drain the merge so later sync traffic produces clean deltas; the
	// original payload is what gets persisted and relayed.
	r.doc.TakeIncremental()

	r.persistAndRelayLocked(conn, payload)
	conn.Send(protocol.Encode(protocol.KindAck, nil, time.Now().UnixMilli()))
}

// persistAndRelayLocked appends an update to storage (best effort: a store
// failure is logged, never fatal to live replication) and fans it out to
// every other member and to peer servers.
func (r *Room) persistAndRelayLocked(from *Connection, update []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.hub.store.AppendUpdate(ctx, r.DocumentID, update); err != nil {
		r.logger.Error("update persistence failed, broadcasting anyway", zap.Error(err))
	} else {
		r.updatesSinceSnapshot++
		if r.hub.snapshotEvery > 0 && r.updatesSinceSnapshot >= r.hub.snapshotEvery {
			r.snapshotLocked()
		}
	}

	frame := protocol.Encode(protocol.KindUpdate, update, time.Now().UnixMilli())
	fromID := ""
	if from != nil {
		fromID = from.ID
	}
	r.broadcastLocked(frame, fromID)

	if r.hub.bridge != nil {
		if err := r.hub.bridge.Publish(ctx, r.DocumentID, "update", update); err != nil {
			r.logger.Warn("bridge publish failed", zap.Error(err))
		}
	}
}

// handleAwareness records a presence delta and fans it out. The sender's
// connection id is authoritative; a client cannot impersonate another
// connection's presence.
func (r *Room) handleAwareness(conn *Connection, payload []byte) {
	u, err := awareness.DecodeUpdate(payload)
	if err != nil {
		r.logger.Debug("dropping invalid awareness payload", zap.Error(err))
		return
	}
	u.ClientID = conn.ID

	r.lock()
	defer r.unlock()

	if u.State == nil {
		r.presence.Remove(conn.ID)
	} else {
		r.presence.Apply(conn.ID, *u.State)
	}

	frame, err := encodeAwarenessFrame(u.ClientID, u.State)
	if err != nil {
		return
	}
	r.broadcastLocked(frame, conn.ID)

	if r.hub.bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if raw, err := awareness.EncodeUpdate(*u); err == nil {
			r.hub.bridge.Publish(ctx, r.DocumentID, "awareness", raw)
		}
	}
}

// heartbeat refreshes the presence entry backing a live websocket.
func (r *Room) heartbeat(conn *Connection) {
	r.presence.Touch(conn.ID)
}

// pumpSyncLocked flushes every pending sync message for the connection.
func (r *Room) pumpSyncLocked(conn *Connection) {
	for {
		msg := conn.sync.Generate()
		if msg == nil {
			return
		}
		if err := conn.Send(protocol.Encode(protocol.KindSyncStep2, msg, time.Now().UnixMilli())); err != nil {
			r.logger.Warn("sync frame dropped", zap.String("connection", conn.ID))
			return
		}
	}
}

// broadcastLocked queues a frame on every member except the named one.
func (r *Room) broadcastLocked(frame []byte, exceptID string) {
	for id, member := range r.members {
		if id == exceptID {
			continue
		}
		if err := member.Send(frame); err != nil {
			r.logger.Warn("dropping frame for slow connection", zap.String("connection", id))
		}
	}
}

// snapshotLocked persists the full document state, superseding the log.
func (r *Room) snapshotLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.hub.store.SaveSnapshot(ctx, r.DocumentID, r.doc.EncodeSnapshot()); err != nil {
		r.logger.Error("snapshot persistence failed", zap.Error(err))
		return
	}
	r.updatesSinceSnapshot = 0
}

// applyBridgeEvent folds traffic relayed from a peer server into this
// room's replica and local members.
func (r *Room) applyBridgeEvent(kind string, payload []byte) {
	r.lock()
	defer r.unlock()

	switch kind {
	case "update":
		if err := r.doc.ApplyRemote(payload); err != nil {
			r.logger.Warn("rejecting bridge update", zap.Error(err))
			return
		}
		r.doc.TakeIncremental()
		frame := protocol.Encode(protocol.KindUpdate, payload, time.Now().UnixMilli())
		r.broadcastLocked(frame, "")
	case "awareness":
		if u, err := awareness.DecodeUpdate(payload); err == nil {
			if u.State == nil {
				r.presence.Remove(u.ClientID)
			} else {
				r.presence.Apply(u.ClientID, *u.State)
			}
			if frame, err := encodeAwarenessFrame(u.ClientID, u.State); err == nil {
				r.broadcastLocked(frame, "")
			}
		}
	}
}

// sweepLoop expires presence entries whose connections stopped
// heartbeating and tells the remaining members.
func (r *Room) sweepLoop() {
	ticker := time.NewTicker(r.hub.awarenessSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := r.presence.Sweep(r.hub.awarenessTimeout)
			if len(removed) == 0 {
				continue
			}
			r.lock()
			for _, clientID := range removed {
				if frame, err := encodeAwarenessFrame(clientID, nil); err == nil {
					r.broadcastLocked(frame, "")
				}
			}
			r.unlock()
			r.logger.Debug("awareness expired", zap.Strings("clients", removed))
		case <-r.stopSweep:
			return
		}
	}
}

// memberCount returns the number of live connections.
func (r *Room) memberCount() int {
	r.lock()
	defer r.unlock()
	return len(r.members)
}

// shutdown closes every member connection and persists a final snapshot.
func (r *Room) shutdown() {
	r.lock()
	for id, member := range r.members {
		member.close()
		delete(r.members, id)
	}
	r.snapshotLocked()
	r.unlock()
	r.stopSweepOnce.Do(func() { close(r.stopSweep) })
}

func (r *Room) stopSweeping() {
	r.stopSweepOnce.Do(func() { close(r.stopSweep) })
}

func encodeAwarenessFrame(clientID string, state *awareness.State) ([]byte, error) {
	payload, err := awareness.EncodeUpdate(awareness.Update{ClientID: clientID, State: state})
	if err != nil {
		return nil, err
	}
	return protocol.Encode(protocol.KindAwareness, payload, time.Now().UnixMilli()), nil
}
