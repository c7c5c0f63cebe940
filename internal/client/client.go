// Package client implements the synchronizing document client: a local CRDT
// replica per document, a websocket transport with automatic reconnection,
// and a durable offline queue so edits made without a connection are never
// lost.
package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config configures a Client.
type Config struct {
	// ServerURL is the websocket base, e.g. "ws://localhost:8080".
	ServerURL string
	// Token is the JWT credential; empty connects anonymously.
	Token string
	// UserID is the identity behind Token; used as the caller for
	// permission operations.
	UserID string
	// QueuePath is the offline queue file. Empty uses an in-memory temp
	// path, losing queued updates on restart.
	QueuePath string

	ReconnectBaseDelay   time.Duration
	ReconnectFactor      float64
	ReconnectMaxAttempts int
}

// Client manages sessions against one server.
type Client struct {
	cfg    Config
	logger *zap.Logger
	queue  *OfflineQueue

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// New creates a client and opens its offline queue.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	path := cfg.QueuePath
	if path == "" {
		path = filepath.Join(os.TempDir(), "coscribe-queue-"+uuid.New().String()+".db")
	}
	queue, err := OpenOfflineQueue(path)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		queue:    queue,
		sessions: make(map[string]*Session),
	}, nil
}

// Connect opens (or returns) the session for a document and establishes the
// initial connection. A dial failure still returns a usable session: edits
// queue offline and the reconnect schedule runs.
func (c *Client) Connect(ctx context.Context, documentID string) (*Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is closed")
	}
	if s, ok := c.sessions[documentID]; ok {
		c.mu.Unlock()
		return s, nil
	}

	actorID := c.cfg.UserID
	if actorID == "" {
		actorID = "anon"
	}
	actorID = actorID + "-" + uuid.New().String()

	s, err := newSession(c, documentID, actorID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.sessions[documentID] = s
	c.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		c.logger.Warn("initial connection failed, starting reconnect schedule",
			zap.String("document", documentID), zap.Error(err))
		s.setState(SessionReconnecting)
		go s.reconnectLoop()
	}
	return s, nil
}

// Disconnect closes the session for a document. Queued offline updates
// survive for the next Connect.
func (c *Client) Disconnect(documentID string) {
	c.mu.Lock()
	s, ok := c.sessions[documentID]
	delete(c.sessions, documentID)
	c.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Close shuts down every session and the offline queue.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	return c.queue.Close()
}
