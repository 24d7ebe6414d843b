package backend

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloud-shuttle/tally/pkg/types"
	_ "github.com/glebarez/go-sqlite"
)

// SQLiteBackend is the bundled task backlog store
type SQLiteBackend struct {
	DB *sql.DB
}

// OpenSQLite opens a SQLite-backed task store at the given path
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Set busy timeout to handle lock contention gracefully
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &SQLiteBackend{DB: db}, nil
}

// Close closes the database connection
func (b *SQLiteBackend) CloseDB() error {
	return b.DB.Close()
}

// InitSchema creates the database schema
func (b *SQLiteBackend) InitSchema() error {
	schema := `
	-- Tasks are the unit of work
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		epic_id TEXT,
		priority INTEGER DEFAULT 0,
		labels TEXT,
		status TEXT DEFAULT 'open',
		estimated_cost REAL DEFAULT 0,
		close_reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Dependencies define depends-on relationships
	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on) REFERENCES tasks(id) ON DELETE CASCADE
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_epic ON tasks(epic_id);
	CREATE INDEX IF NOT EXISTS idx_deps_task ON task_dependencies(task_id);
	`

	if _, err := b.DB.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// CreateTask inserts a new open task with its dependency edges
func (b *SQLiteBackend) CreateTask(ctx context.Context, task *types.Task) error {
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = types.TaskStatusOpen
	}

	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, epic_id, priority, labels,
		                   status, estimated_cost, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Description, task.EpicID, task.Priority,
		strings.Join(task.Labels, ","), task.Status, task.EstimatedCost,
		task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	for _, dep := range task.DependsOn {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_dependencies (task_id, depends_on) VALUES (?, ?)`,
			task.ID, dep); err != nil {
			return fmt.Errorf("inserting dependency %s -> %s: %w", task.ID, dep, err)
		}
	}

	return tx.Commit()
}

// ListReady returns open tasks whose dependencies are all closed, in
// deterministic order: priority descending, estimated cost ascending,
// creation time ascending, id ascending as final tiebreak.
func (b *SQLiteBackend) ListReady(ctx context.Context) ([]*types.Task, error) {
	rows, err := b.DB.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks t
		WHERE t.status = 'open'
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dep ON dep.id = d.depends_on
			WHERE d.task_id = t.id AND dep.status != 'closed'
		  )
		ORDER BY t.priority DESC, t.estimated_cost ASC, t.created_at ASC, t.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing ready tasks: %w", err)
	}
	defer rows.Close()

	return b.scanTasks(ctx, rows)
}

// ListInProgress returns claimed tasks in the same deterministic order as
// ListReady. Recovery walks this list to resume work from a previous run.
func (b *SQLiteBackend) ListInProgress(ctx context.Context) ([]*types.Task, error) {
	rows, err := b.DB.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks t
		WHERE t.status = 'in_progress'
		ORDER BY t.priority DESC, t.estimated_cost ASC, t.created_at ASC, t.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing in-progress tasks: %w", err)
	}
	defer rows.Close()

	return b.scanTasks(ctx, rows)
}

// Get fetches a single task with its dependencies
func (b *SQLiteBackend) Get(ctx context.Context, id string) (*types.Task, error) {
	row := b.DB.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks t WHERE t.id = ?`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching task %s: %w", id, err)
	}
	if err := b.loadDependencies(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Claim atomically transitions a task from open to in_progress.
// Returns false when the task was already claimed or closed.
func (b *SQLiteBackend) Claim(ctx context.Context, id string) (bool, error) {
	res, err := b.DB.ExecContext(ctx, `
		UPDATE tasks SET status = 'in_progress', updated_at = ?
		WHERE id = ? AND status = 'open'`,
		time.Now().Unix(), id)
	if err != nil {
		return false, fmt.Errorf("claiming task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking claim of %s: %w", id, err)
	}
	return n == 1, nil
}

// Close marks a task closed, unblocking its dependents
func (b *SQLiteBackend) Close(ctx context.Context, id, reason string) error {
	return b.setStatus(ctx, id, types.TaskStatusClosed, reason)
}

// Fail marks a task with the terminal failure label. Failed tasks are not
// closed, so dependents stay blocked until a human intervenes.
func (b *SQLiteBackend) Fail(ctx context.Context, id, reason string) error {
	return b.setStatus(ctx, id, types.TaskStatusFailed, reason)
}

func (b *SQLiteBackend) setStatus(ctx context.Context, id string, status types.TaskStatus, reason string) error {
	res, err := b.DB.ExecContext(ctx, `
		UPDATE tasks SET status = ?, close_reason = ?, updated_at = ?
		WHERE id = ?`,
		status, reason, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update of %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

// Update patches whitelisted task fields
func (b *SQLiteBackend) Update(ctx context.Context, id string, fields map[string]any) error {
	allowed := map[string]bool{
		"title": true, "description": true, "priority": true,
		"status": true, "epic_id": true, "estimated_cost": true,
	}

	var sets []string
	var args []any
	for k, v := range fields {
		if !allowed[k] {
			return fmt.Errorf("field %q cannot be updated", k)
		}
		sets = append(sets, k+" = ?")
		args = append(args, v)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().Unix(), id)

	res, err := b.DB.ExecContext(ctx,
		"UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update of %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

// ListAll returns every task, most recently created first
func (b *SQLiteBackend) ListAll(ctx context.Context) ([]*types.Task, error) {
	rows, err := b.DB.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks t ORDER BY t.created_at DESC, t.id`)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	return b.scanTasks(ctx, rows)
}

// CountByStatus summarizes the backlog for status output
func (b *SQLiteBackend) CountByStatus(ctx context.Context) (map[types.TaskStatus]int, error) {
	rows, err := b.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.TaskStatus]int)
	for rows.Next() {
		var status types.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning counts: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

const taskColumns = `t.id, t.title, t.description, t.epic_id, t.priority,
	t.labels, t.status, t.estimated_cost, t.close_reason, t.created_at, t.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var task types.Task
	var description, epicID, labels, closeReason sql.NullString
	if err := row.Scan(&task.ID, &task.Title, &description, &epicID,
		&task.Priority, &labels, &task.Status, &task.EstimatedCost,
		&closeReason, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	task.Description = description.String
	task.EpicID = epicID.String
	task.CloseReason = closeReason.String
	if labels.String != "" {
		task.Labels = strings.Split(labels.String, ",")
	}
	return &task, nil
}

func (b *SQLiteBackend) scanTasks(ctx context.Context, rows *sql.Rows) ([]*types.Task, error) {
	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	for _, task := range tasks {
		if err := b.loadDependencies(ctx, task); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (b *SQLiteBackend) loadDependencies(ctx context.Context, task *types.Task) error {
	rows, err := b.DB.QueryContext(ctx,
		`SELECT depends_on FROM task_dependencies WHERE task_id = ? ORDER BY depends_on`,
		task.ID)
	if err != nil {
		return fmt.Errorf("loading dependencies of %s: %w", task.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return fmt.Errorf("scanning dependency: %w", err)
		}
		task.DependsOn = append(task.DependsOn, dep)
	}
	return rows.Err()
}
