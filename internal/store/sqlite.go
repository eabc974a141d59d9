// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides task/node persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			goal TEXT NOT NULL,
			messages TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_node_id
			ON tasks(node_id);

		CREATE INDEX IF NOT EXISTS idx_tasks_created
			ON tasks(created_at);

		CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			capabilities TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			last_seen DATETIME,
			jobs TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record
func (s *SQLiteStore) CreateTask(ctx context.Context, task *TaskRecord) error {
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	messages, err := encodeMessages(task.Messages)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, node_id, goal, messages, status, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.NodeID, task.Goal, messages, string(task.Status),
		task.Result, task.Error, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTask
		}
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// GetTask fetches a task record by ID
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, node_id, goal, messages, status, result, error, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// UpdateTask replaces an existing task record
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *TaskRecord) error {
	task.UpdatedAt = time.Now()

	messages, err := encodeMessages(task.Messages)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET node_id = ?, goal = ?, messages = ?, status = ?, result = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		task.NodeID, task.Goal, messages, string(task.Status),
		task.Result, task.Error, task.UpdatedAt, task.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasks returns tasks ordered by creation time, newest first
func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]*TaskRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unbounded
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, goal, messages, status, result, error, created_at, updated_at
		FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var out []*TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateNode inserts a new node record
func (s *SQLiteStore) CreateNode(ctx context.Context, node *NodeRecord) error {
	now := time.Now()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now

	caps, err := json.Marshal(node.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, name, capabilities, status, last_seen, jobs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID, node.Name, string(caps), string(node.Status),
		nullableTime(node.LastSeen), nullableBlob(node.Jobs), node.CreatedAt, node.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateNode
		}
		return fmt.Errorf("inserting node: %w", err)
	}
	return nil
}

// GetNode fetches a node record by ID
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*NodeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, capabilities, status, last_seen, jobs, created_at, updated_at
		FROM nodes WHERE id = ?`, id)
	return scanNode(row)
}

// UpdateNode replaces an existing node record
func (s *SQLiteStore) UpdateNode(ctx context.Context, node *NodeRecord) error {
	node.UpdatedAt = time.Now()

	caps, err := json.Marshal(node.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes
		SET name = ?, capabilities = ?, status = ?, last_seen = ?, jobs = ?, updated_at = ?
		WHERE id = ?`,
		node.Name, string(caps), string(node.Status),
		nullableTime(node.LastSeen), nullableBlob(node.Jobs), node.UpdatedAt, node.ID,
	)
	if err != nil {
		return fmt.Errorf("updating node: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListNodes returns all node records ordered by ID
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, capabilities, status, last_seen, jobs, created_at, updated_at
		FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var out []*NodeRecord
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for the scan helpers
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*TaskRecord, error) {
	var t TaskRecord
	var messages, status string
	err := row.Scan(&t.ID, &t.NodeID, &t.Goal, &messages, &status,
		&t.Result, &t.Error, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	t.Status = TaskStatus(status)
	if err := json.Unmarshal([]byte(messages), &t.Messages); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	return &t, nil
}

func scanNode(row scanner) (*NodeRecord, error) {
	var n NodeRecord
	var caps, status string
	var lastSeen sql.NullTime
	var jobs sql.NullString
	err := row.Scan(&n.ID, &n.Name, &caps, &status, &lastSeen, &jobs,
		&n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning node: %w", err)
	}
	n.Status = NodeStatus(status)
	if lastSeen.Valid {
		n.LastSeen = lastSeen.Time
	}
	if jobs.Valid {
		n.Jobs = []byte(jobs.String)
	}
	if err := json.Unmarshal([]byte(caps), &n.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	return &n, nil
}

func encodeMessages(messages []Message) (string, error) {
	if messages == nil {
		messages = []Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("encoding messages: %w", err)
	}
	return string(data), nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableBlob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure.
// modernc.org/sqlite reports constraint failures with the standard SQLite message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
