package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL with an append-only update
// log and a snapshot table per document.
type PostgresStore struct {
	config *Config
	pool   *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, config *Config) (*PostgresStore, error) {
	if config == nil {
		config = DefaultConfig()
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, NewConnectionError("failed to parse connection string", err)
	}
	poolConfig.MinConns = config.PoolMinConns
	poolConfig.MaxConns = config.PoolMaxConns
	poolConfig.ConnConfig.ConnectTimeout = config.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, NewConnectionError("failed to connect to PostgreSQL", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, NewConnectionError("failed to ping PostgreSQL", err)
	}

	s := &PostgresStore{config: config, pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS document_snapshots (
			document_id TEXT PRIMARY KEY,
			data        BYTEA NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS document_updates (
			id          BIGSERIAL PRIMARY KEY,
			document_id TEXT NOT NULL,
			data        BYTEA NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS document_updates_document_id_idx
			ON document_updates (document_id, id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return NewQueryError("failed to ensure schema", err)
		}
	}
	return nil
}

// LoadLatest returns the latest snapshot (nil when none) and the updates
// appended after it, oldest first.
func (s *PostgresStore) LoadLatest(ctx context.Context, documentID string) (*Snapshot, [][]byte, error) {
	if s.pool == nil {
		return nil, nil, ErrNotConnected
	}

	var snap *Snapshot
	row := s.pool.QueryRow(ctx,
		`SELECT document_id, data, updated_at FROM document_snapshots WHERE document_id = $1`,
		documentID)

	var loaded Snapshot
	err := row.Scan(&loaded.DocumentID, &loaded.Data, &loaded.UpdatedAt)
	switch {
	case err == nil:
		snap = &loaded
	case err == pgx.ErrNoRows:
		// No snapshot yet; the log alone seeds the document.
	default:
		return nil, nil, NewQueryError("failed to load snapshot", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT data FROM document_updates WHERE document_id = $1 ORDER BY id`,
		documentID)
	if err != nil {
		return nil, nil, NewQueryError("failed to load updates", err)
	}
	defer rows.Close()

	var updates [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, nil, NewQueryError("failed to scan update", err)
		}
		updates = append(updates, data)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, NewQueryError("failed to read updates", err)
	}
	return snap, updates, nil
}

// AppendUpdate appends one update to the document's log.
func (s *PostgresStore) AppendUpdate(ctx context.Context, documentID string, update []byte) error {
	if s.pool == nil {
		return ErrNotConnected
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO document_updates (document_id, data) VALUES ($1, $2)`,
		documentID, update)
	if err != nil {
		return NewQueryError("failed to append update", err)
	}
	return nil
}

// SaveSnapshot upserts the full state and deletes the superseded log in one
// transaction.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, documentID string, data []byte) error {
	if s.pool == nil {
		return ErrNotConnected
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return NewQueryError("failed to begin snapshot transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO document_snapshots (document_id, data, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (document_id) DO UPDATE SET data = $2, updated_at = NOW()`,
		documentID, data); err != nil {
		return NewQueryError("failed to save snapshot", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM document_updates WHERE document_id = $1`,
		documentID); err != nil {
		return NewQueryError("failed to truncate update log", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return NewQueryError("failed to commit snapshot", err)
	}
	return nil
}

// HealthCheck verifies database connectivity.
func (s *PostgresStore) HealthCheck(ctx context.Context) (bool, error) {
	if s.pool == nil {
		return false, ErrNotConnected
	}
	err := s.pool.Ping(ctx)
	return err == nil, err
}

// Close releases the connection pool.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}
