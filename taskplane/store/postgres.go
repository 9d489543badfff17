package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partshive/partshive/taskplane/task"
)

// PostgresStore implements TaskStore on a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a PostgresStore with a connection pool and
// ensures the schema exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			priority_rank INT NOT NULL DEFAULT 1,
			progress INT NOT NULL DEFAULT 0,
			current_step TEXT NOT NULL DEFAULT '',
			input JSONB,
			result JSONB,
			error_message TEXT NOT NULL DEFAULT '',
			max_retries INT NOT NULL DEFAULT 3,
			retry_count INT NOT NULL DEFAULT 0,
			timeout_seconds INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			scheduled_at TIMESTAMPTZ,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_by_user_id TEXT NOT NULL DEFAULT '',
			related_entity_type TEXT NOT NULL DEFAULT '',
			related_entity_id TEXT NOT NULL DEFAULT '',
			parent_task_id TEXT NOT NULL DEFAULT '',
			depends_on_task_ids JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
		CREATE INDEX IF NOT EXISTS idx_tasks_user_type ON tasks (created_by_user_id, type, created_at);
		CREATE TABLE IF NOT EXISTS backup_config (
			id INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			schedule_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			schedule_type TEXT NOT NULL DEFAULT 'nightly',
			cron_expression TEXT NOT NULL DEFAULT '',
			retention_count INT NOT NULL DEFAULT 7,
			encryption_required BOOLEAN NOT NULL DEFAULT FALSE,
			encryption_password TEXT NOT NULL DEFAULT '',
			last_backup_at TIMESTAMPTZ,
			next_backup_at TIMESTAMPTZ
		);
		INSERT INTO backup_config (id) VALUES (1) ON CONFLICT (id) DO NOTHING;
	`)
	return err
}

const taskColumns = `id, type, name, description, status, priority, progress, current_step,
	input, result, error_message, max_retries, retry_count, timeout_seconds,
	created_at, scheduled_at, started_at, completed_at,
	created_by_user_id, related_entity_type, related_entity_id, parent_task_id, depends_on_task_ids`

func (s *PostgresStore) Create(ctx context.Context, t *task.Task) error {
	query := `
		INSERT INTO tasks (` + taskColumns + `, priority_rank)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`
	_, err := s.pool.Exec(ctx, query,
		t.ID, t.Type, t.Name, t.Description, t.Status, t.Priority, t.Progress, t.CurrentStep,
		marshalMap(t.Input), marshalMap(t.Result), t.ErrorMessage,
		t.MaxRetries, t.RetryCount, t.TimeoutSeconds,
		t.CreatedAt, t.ScheduledAt, t.StartedAt, t.CompletedAt,
		t.CreatedByUserID, t.RelatedEntityType, t.RelatedEntityID, t.ParentTaskID,
		marshalStrings(t.DependsOnTaskIDs), t.Priority.Rank(),
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *PostgresStore) Update(ctx context.Context, id string, patch task.Patch) (*task.Task, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := applyPatch(t, patch, time.Now().UTC()); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE tasks SET
			status = $2, progress = $3, current_step = $4, result = $5,
			error_message = $6, retry_count = $7, started_at = $8, completed_at = $9
		WHERE id = $1
	`, t.ID, t.Status, t.Progress, t.CurrentStep, marshalMap(t.Result),
		t.ErrorMessage, t.RetryCount, t.StartedAt, t.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM tasks WHERE id = $1 AND status IN ('completed', 'failed', 'cancelled')
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		t, gerr := s.Get(ctx, id)
		if gerr == nil && t != nil {
			return task.ErrNotTerminal
		}
		return task.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Statuses) > 0 {
		conds = append(conds, "status = ANY("+arg(statusStrings(filter.Statuses))+")")
	}
	if len(filter.Types) > 0 {
		conds = append(conds, "type = ANY("+arg(typeStrings(filter.Types))+")")
	}
	if len(filter.Priorities) > 0 {
		conds = append(conds, "priority = ANY("+arg(priorityStrings(filter.Priorities))+")")
	}
	if filter.UserID != "" {
		conds = append(conds, "created_by_user_id = "+arg(filter.UserID))
	}
	if filter.RelatedEntityType != "" {
		conds = append(conds, "related_entity_type = "+arg(filter.RelatedEntityType))
	}
	if filter.RelatedEntityID != "" {
		conds = append(conds, "related_entity_id = "+arg(filter.RelatedEntityID))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	orderCol := "created_at"
	switch filter.OrderBy {
	case "completed_at", "status", "created_at":
		orderCol = filter.OrderBy
	case "priority":
		orderCol = "priority_rank"
	}
	dir := "ASC"
	if filter.OrderDesc {
		dir = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", orderCol, dir)

	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresStore) ReadyToRun(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('pending', 'retry')
		  AND (scheduled_at IS NULL OR scheduled_at <= NOW())
		ORDER BY priority_rank DESC, created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresStore) CountSince(ctx context.Context, userID string, typ task.Type, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE created_by_user_id = $1 AND type = $2 AND created_at > $3
	`, userID, typ, since).Scan(&count)
	return count, err
}

func (s *PostgresStore) CountActive(ctx context.Context, userID string, typ task.Type, maxAge time.Duration) (int, error) {
	query := `
		SELECT COUNT(*) FROM tasks
		WHERE created_by_user_id = $1 AND type = $2
		  AND status IN ('pending', 'retry', 'running')
	`
	args := []interface{}{userID, typ}
	if maxAge > 0 {
		query += ` AND created_at > $3`
		args = append(args, time.Now().Add(-maxAge))
	}
	var count int
	err := s.pool.QueryRow(ctx, query, args...).Scan(&count)
	return count, err
}

func (s *PostgresStore) MarkStale(ctx context.Context, typ task.Type, maxAge time.Duration, reason string) ([]*task.Task, error) {
	query := `
		UPDATE tasks
		SET status = 'failed', error_message = $1, completed_at = NOW()
		WHERE status IN ('pending', 'retry', 'running') AND created_at < $2
	`
	args := []interface{}{reason, time.Now().Add(-maxAge)}
	if typ != "" {
		query += ` AND type = $3`
		args = append(args, typ)
	}
	query += ` RETURNING ` + taskColumns

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresStore) GetBackupConfig(ctx context.Context) (*task.BackupConfig, error) {
	var cfg task.BackupConfig
	err := s.pool.QueryRow(ctx, `
		SELECT schedule_enabled, schedule_type, cron_expression, retention_count,
			encryption_required, encryption_password, last_backup_at, next_backup_at
		FROM backup_config WHERE id = 1
	`).Scan(
		&cfg.ScheduleEnabled, &cfg.ScheduleType, &cfg.CronExpression, &cfg.RetentionCount,
		&cfg.EncryptionRequired, &cfg.EncryptionPassword, &cfg.LastBackupAt, &cfg.NextBackupAt,
	)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *PostgresStore) UpdateBackupConfig(ctx context.Context, cfg *task.BackupConfig) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE backup_config SET
			schedule_enabled = $1, schedule_type = $2, cron_expression = $3,
			retention_count = $4, encryption_required = $5, encryption_password = $6,
			last_backup_at = $7, next_backup_at = $8
		WHERE id = 1
	`, cfg.ScheduleEnabled, cfg.ScheduleType, cfg.CronExpression, cfg.RetentionCount,
		cfg.EncryptionRequired, cfg.EncryptionPassword, cfg.LastBackupAt, cfg.NextBackupAt)
	return err
}

// --- row scanning ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var input, result, depends []byte
	err := row.Scan(
		&t.ID, &t.Type, &t.Name, &t.Description, &t.Status, &t.Priority, &t.Progress, &t.CurrentStep,
		&input, &result, &t.ErrorMessage, &t.MaxRetries, &t.RetryCount, &t.TimeoutSeconds,
		&t.CreatedAt, &t.ScheduledAt, &t.StartedAt, &t.CompletedAt,
		&t.CreatedByUserID, &t.RelatedEntityType, &t.RelatedEntityID, &t.ParentTaskID, &depends,
	)
	if err != nil {
		return nil, err
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &t.Input); err != nil {
			return nil, fmt.Errorf("decode input for task %s: %w", t.ID, err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, fmt.Errorf("decode result for task %s: %w", t.ID, err)
		}
	}
	if len(depends) > 0 {
		if err := json.Unmarshal(depends, &t.DependsOnTaskIDs); err != nil {
			return nil, fmt.Errorf("decode dependencies for task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func scanTasks(rows pgx.Rows) ([]*task.Task, error) {
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func marshalMap(m task.JSONMap) []byte {
	if m == nil {
		return nil
	}
	b, _ := json.Marshal(m)
	return b
}

func marshalStrings(s []string) []byte {
	if s == nil {
		return nil
	}
	b, _ := json.Marshal(s)
	return b
}

func statusStrings(in []task.Status) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func typeStrings(in []task.Type) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func priorityStrings(in []task.Priority) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
