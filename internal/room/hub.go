package room

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coscribe/coscribe/internal/auth"
	"github.com/coscribe/coscribe/internal/crdt"
	"github.com/coscribe/coscribe/internal/storage"
)

// Hub owns the set of live rooms on this server. It creates a room on the
// first join for a document, hydrating it from storage, and tears it down
// when the last member leaves.
type Hub struct {
	logger   *zap.Logger
	store    storage.Store
	bridge   *storage.RedisBridge
	serverID string

	snapshotEvery    int
	awarenessTimeout time.Duration
	awarenessSweep   time.Duration

	mu    sync.Mutex
	rooms map[string]*Room

	upgrader websocket.Upgrader
}

// HubConfig configures a Hub.
type HubConfig struct {
	Store            storage.Store
	Bridge           *storage.RedisBridge // optional multi-server relay
	SnapshotEvery    int
	AwarenessTimeout time.Duration
	AwarenessSweep   time.Duration
	CheckOrigin      func(*http.Request) bool
}

// NewHub creates a hub. The bridge may be nil for single-server deployments.
func NewHub(cfg HubConfig, logger *zap.Logger) *Hub {
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = 100
	}
	if cfg.AwarenessTimeout <= 0 {
		cfg.AwarenessTimeout = 30 * time.Second
	}
	if cfg.AwarenessSweep <= 0 {
		cfg.AwarenessSweep = 10 * time.Second
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Hub{
		logger:           logger,
		store:            cfg.Store,
		bridge:           cfg.Bridge,
		serverID:         uuid.New().String(),
		snapshotEvery:    cfg.SnapshotEvery,
		awarenessTimeout: cfg.AwarenessTimeout,
		awarenessSweep:   cfg.AwarenessSweep,
		rooms:            make(map[string]*Room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServerID identifies this hub instance on the bridge.
func (h *Hub) ServerID() string {
	return h.serverID
}

// ServeWS upgrades an HTTP request to a websocket and joins the identity to
// the document's room.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, documentID string, identity auth.Identity) {
	if !ValidDocumentID(documentID) {
		http.Error(w, "invalid document id", http.StatusBadRequest)
		return
	}

	room, err := h.getOrCreateRoom(r.Context(), documentID)
	if err != nil {
		h.logger.Error("room hydration failed",
			zap.String("document", documentID), zap.Error(err))
		http.Error(w, "failed to load document", http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConnection(uuid.New().String(), identity, ws, room, h.logger)
	conn.setState(StateAuthenticating)
	room.join(conn)

	go conn.writePump()
	go conn.readPump()
}

// getOrCreateRoom returns the live room for a document, hydrating one from
// the persisted snapshot and update log when none exists yet.
func (h *Hub) getOrCreateRoom(ctx context.Context, documentID string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[documentID]; ok {
		return room, nil
	}

	doc, err := h.hydrate(ctx, documentID)
	if err != nil {
		return nil, err
	}

	room := newRoom(h, documentID, doc)
	h.rooms[documentID] = room

	if h.bridge != nil {
		err := h.bridge.Subscribe(ctx, documentID, func(event *storage.BridgeEvent) {
			room.applyBridgeEvent(event.Kind, event.Payload)
		})
		if err != nil {
			h.logger.Warn("bridge subscription failed",
				zap.String("document", documentID), zap.Error(err))
		}
	}

	h.logger.Info("room opened", zap.String("document", documentID))
	return room, nil
}

// hydrate rebuilds a document replica from storage. Updates that fail to
// decode are skipped so one corrupt log entry cannot brick a document.
func (h *Hub) hydrate(ctx context.Context, documentID string) (*crdt.Document, error) {
	actorID := "server-" + h.serverID
	snap, updates, err := h.store.LoadLatest(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", documentID, err)
	}

	var doc *crdt.Document
	if snap != nil {
		doc, err = crdt.Load(snap.Data, actorID)
		if err != nil {
			return nil, fmt.Errorf("failed to decode snapshot for %s: %w", documentID, err)
		}
	} else {
		doc, err = crdt.New(actorID)
		if err != nil {
			return nil, err
		}
	}

	for i, update := range updates {
		if err := doc.ApplyRemote(update); err != nil {
			h.logger.Error("skipping corrupt persisted update",
				zap.String("document", documentID), zap.Int("index", i), zap.Error(err))
		}
	}
	doc.TakeIncremental()
	return doc, nil
}

// Catchup returns the update bytes a replica at the given position is
// missing, or nil when it is already current. Live rooms answer from
// memory; idle documents are hydrated from storage without opening a room.
func (h *Hub) Catchup(ctx context.Context, documentID string, sv *crdt.StateVector) ([]byte, error) {
	h.mu.Lock()
	r, ok := h.rooms[documentID]
	h.mu.Unlock()
	if ok {
		return r.doc.DiffSince(sv), nil
	}

	doc, err := h.hydrate(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return doc.DiffSince(sv), nil
}

// releaseRoom drops an emptied room. A join racing the release wins: the
// room is kept when members reappeared.
func (h *Hub) releaseRoom(r *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.rooms[r.DocumentID]; !ok || current != r {
		return
	}
	if r.memberCount() > 0 {
		return
	}
	delete(h.rooms, r.DocumentID)
	r.stopSweeping()

	if h.bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.bridge.Unsubscribe(ctx, r.DocumentID)
	}
	h.logger.Info("room closed", zap.String("document", r.DocumentID))
}

// Stats is a point-in-time view of hub load.
type Stats struct {
	ActiveRooms       int            `json:"activeRooms"`
	ActiveConnections int            `json:"activeConnections"`
	UsersPerRoom      map[string]int `json:"usersPerRoom"`
}

// Snapshot returns current hub statistics.
func (h *Hub) Snapshot() Stats {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	stats := Stats{
		ActiveRooms:  len(rooms),
		UsersPerRoom: make(map[string]int, len(rooms)),
	}
	for _, r := range rooms {
		n := r.memberCount()
		stats.ActiveConnections += n
		stats.UsersPerRoom[r.DocumentID] = n
	}
	return stats
}

// Shutdown closes every room, persisting final snapshots.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for id, r := range h.rooms {
		rooms = append(rooms, r)
		delete(h.rooms, id)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.shutdown()
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	h.logger.Info("hub shut down", zap.Int("rooms", len(rooms)))
	return nil
}
