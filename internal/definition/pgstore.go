package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/parapheur/model"
)

// Schema creates the definitions table.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	steps       JSONB NOT NULL,
	created_by  TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_definitions_type_idx ON workflow_definitions (type);
`

const uniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Persister using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL definition store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the definitions table if it does not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create workflow_definitions: %w", err)
	}
	return nil
}

// SaveDefinition inserts a definition. Definitions are immutable so an
// existing id is reported as a conflict.
func (s *PgStore) SaveDefinition(ctx context.Context, def model.WorkflowDefinition) error {
	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (
			id, type, name, description, steps, created_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		def.ID, def.Type, def.Name, def.Description, stepsJSON, def.CreatedBy, def.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.NewConflictError(fmt.Sprintf("workflow definition %q already exists", def.ID))
		}
		return fmt.Errorf("insert workflow definition: %w", err)
	}
	return nil
}

// ListDefinitions returns every persisted definition ordered by creation.
func (s *PgStore) ListDefinitions(ctx context.Context) ([]model.WorkflowDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, name, description, steps, created_by, created_at
		FROM workflow_definitions
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query workflow definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.WorkflowDefinition
	for rows.Next() {
		var def model.WorkflowDefinition
		var stepsJSON []byte
		if err := rows.Scan(
			&def.ID, &def.Type, &def.Name, &def.Description,
			&stepsJSON, &def.CreatedBy, &def.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow definition: %w", err)
		}
		if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps of %s: %w", def.ID, err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}
