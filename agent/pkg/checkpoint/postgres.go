package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/H-JUYEONG/Text2SQL/agent/pkg/workflow"
)

// PostgresStore is a durable Store backed by the workflow_checkpoints table.
// Writes use a conditional UPDATE on the version column for compare-and-swap,
// so concurrent writers for the same session cannot clobber each other even
// across processes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on the given pool. The table is created
// by migrations, not here.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Save(ctx context.Context, sessionID string, st *workflow.State, expectedVersion int64) (int64, error) {
	payload, err := json.Marshal(st)
	if err != nil {
		return 0, fmt.Errorf("failed to encode state: %w", err)
	}

	if expectedVersion == 0 {
		var version int64
		err := s.pool.QueryRow(ctx, `
			INSERT INTO workflow_checkpoints (session_id, state, version, updated_at)
			VALUES ($1, $2, 1, now())
			ON CONFLICT (session_id) DO NOTHING
			RETURNING version
		`, sessionID, payload).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			// record already exists, so version 0 is stale
			return 0, ErrConflict
		}
		if err != nil {
			return 0, fmt.Errorf("failed to insert checkpoint: %w", err)
		}
		return version, nil
	}

	var version int64
	err = s.pool.QueryRow(ctx, `
		UPDATE workflow_checkpoints
		SET state = $2, version = version + 1, updated_at = now()
		WHERE session_id = $1 AND version = $3
		RETURNING version
	`, sessionID, payload, expectedVersion).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update checkpoint: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) Load(ctx context.Context, sessionID string) (*workflow.State, int64, error) {
	var payload []byte
	var version int64
	err := s.pool.QueryRow(ctx, `
		SELECT state, version FROM workflow_checkpoints WHERE session_id = $1
	`, sessionID).Scan(&payload, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var st workflow.State
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &st, version, nil
}

func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM workflow_checkpoints WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
