// Package crdt wraps the automerge document that holds all replicated state
// for one collaborative document: the shared text body, the permission map,
// and the metadata map. Everything travels through the same update stream, so
// replicas that have applied the same set of updates agree on all three.
package crdt

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// Root keys inside the replicated document.
const (
	KeyBody        = "body"
	KeyPermissions = "permissions"
	KeyMeta        = "meta"
)

// Document is a thread-safe replicated document state. Local mutations return
// the encoded update to transmit; remote updates merge in at any time.
// Applying the same update twice is a no-op and causally independent updates
// commute, both guaranteed by the automerge change format.
type Document struct {
	mu  sync.Mutex
	doc *automerge.Doc
}

// New creates an empty document with the given actor identifier. The shared
// body text is created lazily by the first editor so that replicas which
// start independently and then sync do not race to claim the root key.
func New(actorID string) (*Document, error) {
	doc := automerge.New()
	if actorID != "" {
		if err := doc.SetActorID(hex.EncodeToString([]byte(actorID))); err != nil {
			return nil, fmt.Errorf("failed to set actor id: %w", err)
		}
	}
	return &Document{doc: doc}, nil
}

// Load restores a document from an encoded snapshot.
func Load(snapshot []byte, actorID string) (*Document, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if actorID != "" {
		if err := doc.SetActorID(hex.EncodeToString([]byte(actorID))); err != nil {
			return nil, fmt.Errorf("failed to set actor id: %w", err)
		}
	}
	// Drain the snapshot's change backlog so the next local edit produces a
	// clean standalone update.
	doc.SaveIncremental()
	return &Document{doc: doc}, nil
}

// Change runs a local mutation against the underlying automerge document and
// returns the encoded update covering it. The local view reflects the edit as
// soon as Change returns.
func (d *Document) Change(fn func(doc *automerge.Doc) error) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := fn(d.doc); err != nil {
		return nil, err
	}
	return d.doc.SaveIncremental(), nil
}

// Read runs a read-only function against the underlying document while the
// internal lock is held.
func (d *Document) Read(fn func(doc *automerge.Doc) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(d.doc)
}

// ApplyRemote merges an update received from another replica. A corrupt
// update is rejected whole; the document is never partially mutated.
func (d *Document) ApplyRemote(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("failed to apply update: %w", err)
	}
	return nil
}

// TakeIncremental drains and returns any changes not yet emitted as an
// update, local or merged. Returns nil when there is nothing pending.
func (d *Document) TakeIncremental() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw := d.doc.SaveIncremental()
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// EncodeSnapshot serialises the full document state.
func (d *Document) EncodeSnapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// Heads returns the current change hashes, the document's position in the
// change graph. Two documents with equal heads hold identical state.
func (d *Document) Heads() []automerge.ChangeHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Heads()
}

// ensureBody creates the shared body text on first use.
func ensureBody(doc *automerge.Doc) error {
	v, err := doc.Path(KeyBody).Get()
	if err != nil {
		return err
	}
	if v.IsVoid() {
		return doc.Path(KeyBody).Set(automerge.NewText(""))
	}
	return nil
}

// InsertText inserts text at the given rune position in the shared body and
// returns the update to transmit.
func (d *Document) InsertText(pos int, text string) ([]byte, error) {
	return d.Change(func(doc *automerge.Doc) error {
		if err := ensureBody(doc); err != nil {
			return err
		}
		return doc.Path(KeyBody).Text().Insert(pos, text)
	})
}

// DeleteText removes count runes starting at pos from the shared body.
func (d *Document) DeleteText(pos, count int) ([]byte, error) {
	return d.Change(func(doc *automerge.Doc) error {
		if err := ensureBody(doc); err != nil {
			return err
		}
		return doc.Path(KeyBody).Text().Delete(pos, count)
	})
}

// Body returns the current text content of the shared body.
func (d *Document) Body() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, err := d.doc.Path(KeyBody).Get()
	if err != nil {
		return "", err
	}
	if v.IsVoid() {
		return "", nil
	}
	return automerge.As[string](v, err)
}

// SetMeta sets a metadata field and returns the update to transmit.
func (d *Document) SetMeta(key, value string) ([]byte, error) {
	return d.Change(func(doc *automerge.Doc) error {
		return doc.Path(KeyMeta, key).Set(value)
	})
}

// Meta reads a metadata field. Missing fields read as the empty string.
func (d *Document) Meta(key string) (string, error) {
	var out string
	err := d.Read(func(doc *automerge.Doc) error {
		v, err := doc.Path(KeyMeta, key).Get()
		if err != nil {
			return err
		}
		if v.IsVoid() {
			return nil
		}
		s, err := automerge.As[string](v, err)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

// NewSyncState returns a fresh sync-protocol state bound to this document.
// One sync state per connection; messages generated and received through it
// carry the minimal set of changes the peer is missing.
func (d *Document) NewSyncState() *SyncState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &SyncState{doc: d, state: automerge.NewSyncState(d.doc)}
}

// SyncState wraps an automerge sync session so that all access to the shared
// document stays behind the document lock.
type SyncState struct {
	doc   *Document
	state *automerge.SyncState
}

// Generate produces the next outbound sync message, or nil when the peer is
// up to date from our perspective.
func (s *SyncState) Generate() []byte {
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()

	if msg, valid := s.state.GenerateMessage(); valid {
		return msg.Bytes()
	}
	return nil
}

// Receive folds an inbound sync message into the document.
func (s *SyncState) Receive(payload []byte) error {
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()

	if _, err := s.state.ReceiveMessage(payload); err != nil {
		return fmt.Errorf("failed to receive sync message: %w", err)
	}
	return nil
}
