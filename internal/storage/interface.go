// Package storage provides the persistence adapter for document state: an
// append-only update log per document, compacted by periodic snapshots. The
// adapter is a merge target, not a lock holder; append failures are reported
// to the caller, who logs them and keeps broadcasting (liveness over
// durability).
package storage

import (
	"context"
	"time"
)

// Snapshot is a full encoded document state at a point in time.
type Snapshot struct {
	DocumentID string
	Data       []byte
	UpdatedAt  time.Time
}

// Store is the document persistence boundary. Implementations must be safe
// for concurrent use across documents and for concurrent appends to the same
// document; strict append ordering is not required because the merge is
// commutative, but the log should stay roughly causal for debugging.
type Store interface {
	// LoadLatest returns the most recent snapshot (nil when none) and any
	// updates appended after it, oldest first.
	LoadLatest(ctx context.Context, documentID string) (*Snapshot, [][]byte, error)

	// AppendUpdate appends one update to the document's log.
	AppendUpdate(ctx context.Context, documentID string, update []byte) error

	// SaveSnapshot persists a full state and supersedes the update log.
	SaveSnapshot(ctx context.Context, documentID string, data []byte) error

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) (bool, error)

	// Close releases the adapter's resources.
	Close(ctx context.Context) error
}

// Config holds configuration for storage adapters
type Config struct {
	ConnectionString  string
	PoolMinConns      int32
	PoolMaxConns      int32
	ConnectionTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		PoolMinConns:      2,
		PoolMaxConns:      10,
		ConnectionTimeout: 5 * time.Second,
	}
}
