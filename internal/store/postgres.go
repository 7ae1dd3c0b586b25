package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const branchColumns = `id, project_key, task_key, path, parent_path, recipient,
	scheduled_rebase_disabled, rebase_disabled, locked, created_at, updated_at`

func scanBranch(row interface{ Scan(...any) error }) (Branch, error) {
	var b Branch
	err := row.Scan(&b.ID, &b.ProjectKey, &b.TaskKey, &b.Path, &b.ParentPath, &b.Recipient,
		&b.ScheduledRebaseDisabled, &b.RebaseDisabled, &b.Locked, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

// ResolveBranch looks up the branch registered for the task.
func (s *PostgresStore) ResolveBranch(ctx context.Context, projectKey, taskKey string) (Branch, error) {
	query := `SELECT ` + branchColumns + ` FROM branches WHERE project_key=$1 AND task_key=$2`
	branch, err := scanBranch(s.db.QueryRowContext(ctx, query, projectKey, taskKey))
	if errors.Is(err, sql.ErrNoRows) {
		return Branch{}, fmt.Errorf("%w: branch for %s/%s", ErrNotFound, projectKey, taskKey)
	}
	if err != nil {
		return Branch{}, fmt.Errorf("resolve branch: %w", err)
	}
	return branch, nil
}

// ListBranches returns the whole catalog ordered by project and task.
func (s *PostgresStore) ListBranches(ctx context.Context) ([]Branch, error) {
	query := `SELECT ` + branchColumns + ` FROM branches ORDER BY project_key, task_key`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var branches []Branch
	for rows.Next() {
		branch, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		branches = append(branches, branch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}
	return branches, nil
}

// UpsertBranch registers a branch for a task or updates its registration.
func (s *PostgresStore) UpsertBranch(ctx context.Context, b Branch) (Branch, error) {
	query := `
		INSERT INTO branches (id, project_key, task_key, path, parent_path, recipient,
			scheduled_rebase_disabled, rebase_disabled, locked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (project_key, task_key) DO UPDATE SET
			path=EXCLUDED.path,
			parent_path=EXCLUDED.parent_path,
			recipient=EXCLUDED.recipient,
			scheduled_rebase_disabled=EXCLUDED.scheduled_rebase_disabled,
			rebase_disabled=EXCLUDED.rebase_disabled,
			locked=EXCLUDED.locked,
			updated_at=NOW()
		RETURNING ` + branchColumns
	branch, err := scanBranch(s.db.QueryRowContext(ctx, query,
		b.ID, b.ProjectKey, b.TaskKey, b.Path, b.ParentPath, b.Recipient,
		b.ScheduledRebaseDisabled, b.RebaseDisabled, b.Locked))
	if err != nil {
		return Branch{}, fmt.Errorf("upsert branch: %w", err)
	}
	return branch, nil
}

// SetBranchFlags updates the automation-exclusion flags of a branch.
func (s *PostgresStore) SetBranchFlags(ctx context.Context, projectKey, taskKey string, scheduledRebaseDisabled, rebaseDisabled, locked bool) (Branch, error) {
	query := `
		UPDATE branches
		SET scheduled_rebase_disabled=$3, rebase_disabled=$4, locked=$5, updated_at=NOW()
		WHERE project_key=$1 AND task_key=$2
		RETURNING ` + branchColumns
	branch, err := scanBranch(s.db.QueryRowContext(ctx, query, projectKey, taskKey, scheduledRebaseDisabled, rebaseDisabled, locked))
	if errors.Is(err, sql.ErrNoRows) {
		return Branch{}, fmt.Errorf("%w: branch for %s/%s", ErrNotFound, projectKey, taskKey)
	}
	if err != nil {
		return Branch{}, fmt.Errorf("set branch flags: %w", err)
	}
	return branch, nil
}

// DeleteBranch removes a branch registration.
func (s *PostgresStore) DeleteBranch(ctx context.Context, projectKey, taskKey string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM branches WHERE project_key=$1 AND task_key=$2`, projectKey, taskKey)
	if err != nil {
		return fmt.Errorf("delete branch: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete branch: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: branch for %s/%s", ErrNotFound, projectKey, taskKey)
	}
	return nil
}

// InsertNotification persists a workflow notification.
func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	query := `
		INSERT INTO notifications (id, recipient, entity_type, project_key, task_key, message)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, recipient, entity_type, project_key, task_key, message, created_at
	`
	err := s.db.QueryRowContext(ctx, query, n.ID, n.Recipient, n.EntityType, n.ProjectKey, n.TaskKey, n.Message).
		Scan(&n.ID, &n.Recipient, &n.EntityType, &n.ProjectKey, &n.TaskKey, &n.Message, &n.CreatedAt)
	if err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns the most recent notifications for a recipient.
func (s *PostgresStore) ListNotifications(ctx context.Context, recipient string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT id, recipient, entity_type, project_key, task_key, message, created_at
		FROM notifications
		WHERE recipient=$1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Recipient, &n.EntityType, &n.ProjectKey, &n.TaskKey, &n.Message, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return notifications, nil
}

// InsertJobEvent records one lifecycle state transition for auditing and
// search.
func (s *PostgresStore) InsertJobEvent(ctx context.Context, e JobEvent) (JobEvent, error) {
	query := `
		INSERT INTO job_events (id, category, project_key, task_key, state, message)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, category, project_key, task_key, state, message, created_at
	`
	err := s.db.QueryRowContext(ctx, query, e.ID, e.Category, e.ProjectKey, e.TaskKey, e.State, e.Message).
		Scan(&e.ID, &e.Category, &e.ProjectKey, &e.TaskKey, &e.State, &e.Message, &e.CreatedAt)
	if err != nil {
		return JobEvent{}, fmt.Errorf("insert job event: %w", err)
	}
	return e, nil
}

// ListJobEvents returns the most recent job events, newest first.
func (s *PostgresStore) ListJobEvents(ctx context.Context, limit int) ([]JobEvent, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	query := `
		SELECT id, category, project_key, task_key, state, message, created_at
		FROM job_events
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var events []JobEvent
	for rows.Next() {
		var e JobEvent
		if err := rows.Scan(&e.ID, &e.Category, &e.ProjectKey, &e.TaskKey, &e.State, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job events: %w", err)
	}
	return events, nil
}

// SearchJobEvents runs a Postgres full-text query over job event messages,
// falling back to prefix matching on short queries.
func (s *PostgresStore) SearchJobEvents(ctx context.Context, query string, limit int) ([]JobEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	terms := strings.TrimSpace(query)
	if terms == "" {
		return nil, nil
	}

	sqlQuery := `
		SELECT id, category, project_key, task_key, state, message, created_at
		FROM job_events
		WHERE to_tsvector('simple', coalesce(message,'') || ' ' || project_key || ' ' || task_key || ' ' || state)
			@@ plainto_tsquery('simple', $1)
			OR message ILIKE '%' || $1 || '%'
			OR task_key ILIKE $1 || '%'
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, sqlQuery, terms, limit)
	if err != nil {
		return nil, fmt.Errorf("search job events: %w", err)
	}
	defer rows.Close()

	var events []JobEvent
	for rows.Next() {
		var e JobEvent
		if err := rows.Scan(&e.ID, &e.Category, &e.ProjectKey, &e.TaskKey, &e.State, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job events: %w", err)
	}
	return events, nil
}
