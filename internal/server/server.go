// Package server wires the HTTP surface: the websocket sync endpoint plus
// health and stats endpoints.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/coscribe/coscribe/internal/auth"
	"github.com/coscribe/coscribe/internal/config"
	"github.com/coscribe/coscribe/internal/crdt"
	"github.com/coscribe/coscribe/internal/room"
)

// Server is the HTTP front of one sync server instance.
type Server struct {
	cfg    *config.Config
	hub    *room.Hub
	logger *zap.Logger

	httpServer *http.Server
	startedAt  time.Time
}

// New creates a server around an existing hub.
func New(cfg *config.Config, hub *room.Hub, logger *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/documents/{documentID}/changes", s.handleChanges).Methods(http.MethodGet)
	router.HandleFunc("/ws/{documentID}", s.handleWS).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket connections write indefinitely
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the route tree, mainly for tests that mount the server on
// their own listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP listener until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, then closes every room.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	return s.hub.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentID"]
	identity := auth.IdentityFromRequest(r, s.cfg.JWTSecret)

	s.logger.Debug("websocket connection request",
		zap.String("document", documentID),
		zap.String("user", identity.UserID),
		zap.Bool("anonymous", identity.Anonymous))

	s.hub.ServeWS(w, r, documentID, identity)
}

// handleChanges is the one-shot catch-up path: a client posts its state
// vector and gets back the updates it is missing, without holding a
// websocket. 204 means the replica is already current.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentID"]
	if !room.ValidDocumentID(documentID) {
		http.Error(w, "invalid document id", http.StatusBadRequest)
		return
	}

	var sv *crdt.StateVector
	if raw := r.URL.Query().Get("state"); raw != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(raw)
		if err != nil {
			http.Error(w, "invalid state parameter", http.StatusBadRequest)
			return
		}
		sv, err = crdt.DecodeStateVector(decoded)
		if err != nil {
			http.Error(w, "invalid state vector", http.StatusBadRequest)
			return
		}
	}

	diff, err := s.hub.Catchup(r.Context(), documentID, sv)
	if err != nil {
		s.logger.Error("catch-up failed",
			zap.String("document", documentID), zap.Error(err))
		http.Error(w, "failed to load document", http.StatusInternalServerError)
		return
	}
	if diff == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(diff)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
		"timestamp":     time.Now().UnixMilli(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
