package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/automerge/automerge-go"
)

// StateVector is the compact summary of which changes a replica has already
// seen, exchanged during resync to compute a minimal diff.
type StateVector struct {
	Heads []string `json:"heads"`

	// Unknown fields from newer peers are kept so a round-trip through an
	// older build does not lose them.
	Extra map[string]json.RawMessage `json:"-"`
}

// EncodeStateVector serialises the heads of a document.
func EncodeStateVector(heads []automerge.ChangeHash) ([]byte, error) {
	sv := StateVector{Heads: make([]string, 0, len(heads))}
	for _, h := range heads {
		sv.Heads = append(sv.Heads, h.String())
	}
	return json.Marshal(sv)
}

// DecodeStateVector parses a state vector, tolerating fields it does not
// know about so that client and server versions may briefly diverge.
func DecodeStateVector(raw []byte) (*StateVector, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("failed to decode state vector: %w", err)
	}

	sv := &StateVector{Extra: make(map[string]json.RawMessage)}
	for k, v := range all {
		if k == "heads" {
			if err := json.Unmarshal(v, &sv.Heads); err != nil {
				return nil, fmt.Errorf("failed to decode heads: %w", err)
			}
			continue
		}
		sv.Extra[k] = v
	}
	return sv, nil
}

// Equal reports whether the state vector covers exactly the given heads.
func (sv *StateVector) Equal(heads []automerge.ChangeHash) bool {
	if len(sv.Heads) != len(heads) {
		return false
	}
	seen := make(map[string]bool, len(sv.Heads))
	for _, h := range sv.Heads {
		seen[h] = true
	}
	for _, h := range heads {
		if !seen[h.String()] {
			return false
		}
	}
	return true
}

// DiffSince returns the update bytes a peer at the given state vector needs.
// A peer that is already converged gets nil. Otherwise the full encoded state
// is returned; merging it is idempotent, so over-delivery only costs bytes.
// The sync-state handshake is the fine-grained path; this is the fallback for
// one-shot diff requests.
func (d *Document) DiffSince(sv *StateVector) []byte {
	if sv != nil && sv.Equal(d.Heads()) {
		return nil
	}
	return d.EncodeSnapshot()
}
