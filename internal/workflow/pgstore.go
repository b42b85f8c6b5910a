package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/parapheur/model"
)

// Schema creates the instance and history tables.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
	id            TEXT PRIMARY KEY,
	definition_id TEXT NOT NULL,
	dossier_id    TEXT NOT NULL,
	dossier_type  TEXT NOT NULL,
	current_step  INTEGER NOT NULL,
	status        TEXT NOT NULL,
	priority      TEXT NOT NULL,
	metadata      JSONB,
	deadline      TIMESTAMPTZ,
	due_by        TIMESTAMPTZ,
	started_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL,
	created_by    TEXT NOT NULL,
	version       INTEGER NOT NULL
);
ALTER TABLE workflow_instances ADD COLUMN IF NOT EXISTS due_by TIMESTAMPTZ;
CREATE INDEX IF NOT EXISTS workflow_instances_status_deadline_idx ON workflow_instances (status, deadline);
CREATE INDEX IF NOT EXISTS workflow_instances_step_idx ON workflow_instances (definition_id, current_step);

CREATE TABLE IF NOT EXISTS workflow_actions (
	seq         BIGSERIAL,
	id          TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL REFERENCES workflow_instances (id),
	step_index  INTEGER NOT NULL,
	action      TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	actor_email TEXT NOT NULL DEFAULT '',
	actor_role  TEXT NOT NULL DEFAULT '',
	comment     TEXT NOT NULL DEFAULT '',
	attachments TEXT[] NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_actions_instance_idx ON workflow_actions (instance_id, created_at, seq);
`

const instanceColumns = `id, definition_id, dossier_id, dossier_type, current_step, status, priority,
	metadata, deadline, due_by, started_at, completed_at, updated_at, created_by, version`

const uniqueViolation = "23505"

// PgStore is a PostgreSQL-backed InstanceStore using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL instance store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the instance and history tables if they do not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create workflow tables: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new workflow instance.
func (s *PgStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	metadataJSON, err := marshalMetadata(inst.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		inst.ID, inst.DefinitionID, inst.DossierID, inst.DossierType, inst.CurrentStep,
		inst.Status, inst.Priority, metadataJSON, inst.Deadline, inst.DueBy, inst.StartedAt,
		inst.CompletedAt, inst.UpdatedAt, inst.CreatedBy, inst.Version,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *PgStore) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, instanceID)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, notFound(instanceID)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// ApplyAction updates the instance with optimistic locking and inserts the
// history entry in the same transaction.
func (s *PgStore) ApplyAction(ctx context.Context, inst model.WorkflowInstance, entry model.WorkflowActionEntry) (model.WorkflowInstance, error) {
	metadataJSON, err := marshalMetadata(inst.Metadata)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE workflow_instances SET
			current_step = $1,
			status = $2,
			priority = $3,
			metadata = $4,
			deadline = $5,
			completed_at = $6,
			updated_at = $7,
			version = $8
		WHERE id = $9 AND version = $10`,
		inst.CurrentStep, inst.Status, inst.Priority, metadataJSON, inst.Deadline,
		inst.CompletedAt, inst.UpdatedAt, inst.Version+1,
		inst.ID, inst.Version,
	)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE id = $1)`, inst.ID).Scan(&exists); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
		}
		if !exists {
			return model.WorkflowInstance{}, notFound(inst.ID)
		}
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("commit workflow action: %w", err)
	}

	inst.Version++
	return inst, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, entry model.WorkflowActionEntry) error {
	attachments := entry.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO workflow_actions (
			id, instance_id, step_index, action, actor_id, actor_email, actor_role,
			comment, attachments, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.InstanceID, entry.StepIndex, entry.Action, entry.ActorID,
		entry.ActorEmail, entry.ActorRole, entry.Comment, attachments, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow action: %w", err)
	}
	return nil
}

// History returns the entries of an instance ordered by creation time.
func (s *PgStore) History(ctx context.Context, instanceID string) ([]model.WorkflowActionEntry, error) {
	if _, err := s.Get(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, step_index, action, actor_id, actor_email, actor_role,
		       comment, attachments, created_at
		FROM workflow_actions
		WHERE instance_id = $1
		ORDER BY created_at ASC, seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow actions: %w", err)
	}
	defer rows.Close()

	entries := []model.WorkflowActionEntry{}
	for rows.Next() {
		var e model.WorkflowActionEntry
		if err := rows.Scan(
			&e.ID, &e.InstanceID, &e.StepIndex, &e.Action, &e.ActorID, &e.ActorEmail,
			&e.ActorRole, &e.Comment, &e.Attachments, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow action: %w", err)
		}
		if len(e.Attachments) == 0 {
			e.Attachments = nil
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// List returns one page of matching instances, newest first, and the total
// number of matches.
func (s *PgStore) List(ctx context.Context, q ListQuery) ([]model.WorkflowInstance, int, error) {
	if q.RestrictToSteps && len(q.Steps) == 0 {
		return []model.WorkflowInstance{}, 0, nil
	}

	where, args := listWhere(q)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM workflow_instances`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflow instances: %w", err)
	}

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances` + where +
		` ORDER BY started_at DESC, id ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	instances := []model.WorkflowInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, total, rows.Err()
}

func listWhere(q ListQuery) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, vals ...any) {
		args = append(args, vals...)
		clauses = append(clauses, clause)
	}

	if q.Status != "" {
		add(fmt.Sprintf("status = $%d", len(args)+1), q.Status)
	}
	if q.DossierType != "" {
		add(fmt.Sprintf("dossier_type = $%d", len(args)+1), q.DossierType)
	}
	if q.Priority != "" {
		add(fmt.Sprintf("priority = $%d", len(args)+1), q.Priority)
	}
	if q.CreatedBy != "" {
		add(fmt.Sprintf("created_by = $%d", len(args)+1), q.CreatedBy)
	}
	if q.RestrictToSteps {
		defIDs := make([]string, len(q.Steps))
		indexes := make([]int32, len(q.Steps))
		for i, st := range q.Steps {
			defIDs[i] = st.DefinitionID
			indexes[i] = int32(st.StepIndex)
		}
		n := len(args)
		add(fmt.Sprintf("(definition_id, current_step) IN (SELECT * FROM unnest($%d::text[], $%d::int[]))", n+1, n+2),
			defIDs, indexes)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// EscalateOverdue escalates overdue instances and writes one system history
// row per instance in a single statement.
func (s *PgStore) EscalateOverdue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		WITH escalated AS (
			UPDATE workflow_instances SET
				status = 'escalated',
				priority = 'urgent',
				updated_at = $1,
				version = version + 1
			WHERE status IN ('pending', 'in_progress')
			  AND deadline IS NOT NULL
			  AND deadline < $1
			RETURNING id, current_step
		), audit AS (
			INSERT INTO workflow_actions (id, instance_id, step_index, action, actor_id, comment, created_at)
			SELECT gen_random_uuid()::text, id, current_step, 'escalate', $2, $3, $1
			FROM escalated
		)
		SELECT id FROM escalated ORDER BY id`,
		now, model.SystemActorID, escalationComment,
	)
	if err != nil {
		return nil, fmt.Errorf("escalate overdue instances: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect escalated ids: %w", err)
	}
	return ids, nil
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var metadataJSON []byte
	err := row.Scan(
		&inst.ID, &inst.DefinitionID, &inst.DossierID, &inst.DossierType, &inst.CurrentStep,
		&inst.Status, &inst.Priority, &metadataJSON, &inst.Deadline, &inst.DueBy, &inst.StartedAt,
		&inst.CompletedAt, &inst.UpdatedAt, &inst.CreatedBy, &inst.Version,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &inst.Metadata); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return inst, nil
}

func marshalMetadata(md map[string]any) ([]byte, error) {
	if md == nil {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}
