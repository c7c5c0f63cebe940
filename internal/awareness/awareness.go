// Package awareness tracks ephemeral per-connection presence state: who is
// in a document, their display color, and where their cursor is. Nothing
// here is persisted; a reconnect always starts from an empty set.
package awareness

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout is how long a state survives without a refresh.
const DefaultTimeout = 30 * time.Second

// CursorRange is a selection inside the shared document body.
type CursorRange struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// State is one connection's presence, replaced whole on every local change
// (last write wins per connection id).
type State struct {
	UserID      string       `json:"userId"`
	Name        string       `json:"name"`
	Color       string       `json:"color"`
	CursorRange *CursorRange `json:"cursorRange,omitempty"`
	LastSeen    int64        `json:"lastSeen"`
}

// Update is the wire payload of an awareness frame. A nil State announces
// removal.
type Update struct {
	ClientID string `json:"clientId"`
	State    *State `json:"state"`
}

// EncodeUpdate serialises an awareness payload.
func EncodeUpdate(u Update) ([]byte, error) {
	return json.Marshal(u)
}

// DecodeUpdate parses an awareness payload. Unknown fields are ignored so
// newer clients can add presence attributes without breaking older peers.
func DecodeUpdate(raw []byte) (*Update, error) {
	var u Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("failed to decode awareness update: %w", err)
	}
	if u.ClientID == "" {
		return nil, fmt.Errorf("awareness update missing clientId")
	}
	return &u, nil
}

type entry struct {
	state    State
	lastSeen time.Time
}

// Registry holds the live presence set for one room.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
}

// NewRegistry creates an empty presence set.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Apply records a connection's latest state, replacing any previous one.
func (r *Registry) Apply(clientID string, s State) {
	now := time.Now()
	s.LastSeen = now.UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[clientID] = entry{state: s, lastSeen: now}
}

// Touch refreshes a connection's heartbeat without changing its state.
func (r *Registry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[clientID]; ok {
		e.lastSeen = time.Now()
		e.state.LastSeen = e.lastSeen.UnixMilli()
		r.entries[clientID] = e
	}
}

// Remove deletes a connection's state, reporting whether it existed.
func (r *Registry) Remove(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[clientID]; !ok {
		return false
	}
	delete(r.entries, clientID)
	return true
}

// Sweep removes every state whose last refresh is older than timeout and
// returns the removed client ids so callers can broadcast the departures.
func (r *Registry) Sweep(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for clientID, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			delete(r.entries, clientID)
			removed = append(removed, clientID)
		}
	}
	return removed
}

// Snapshot returns the current presence set, keyed by client id.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.entries))
	for clientID, e := range r.entries {
		out[clientID] = e.state
	}
	return out
}

// Len returns the number of live states.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
