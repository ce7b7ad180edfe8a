// Package taskstore persists writing tasks and their intervention
// history in SQLite. Task saves use compare-and-swap on the version
// column: a stale writer gets ErrVersionConflict and must re-fetch and
// reconcile, never silently overwrite.
package taskstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Jackela/impetus/internal/intervention"
)

// Sentinel errors for task operations.
var (
	ErrNotFound        = errors.New("task not found")
	ErrVersionConflict = errors.New("task version conflict")
)

// Task is a persisted writing task. Version increments by exactly one
// per accepted save.
type Task struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	LockIDs   []string  `json:"lock_ids"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActionRecord is one intervention applied against a task, kept for
// audit history.
type ActionRecord struct {
	ID         string              `json:"id"`
	TaskID     string              `json:"task_id"`
	ActionType intervention.Action `json:"action_type"`
	ActionID   string              `json:"action_id"`
	LockID     string              `json:"lock_id,omitempty"`
	Content    string              `json:"content,omitempty"`
	Anchor     intervention.Anchor `json:"anchor"`
	Mode       intervention.Mode   `json:"mode"`
	Context    string              `json:"context"`
	IssuedAt   time.Time           `json:"issued_at"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Store is the SQLite-backed task repository. All public methods are
// safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the task database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id         TEXT PRIMARY KEY,
		content    TEXT NOT NULL,
		lock_ids   TEXT NOT NULL,
		version    INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS intervention_actions (
		id          TEXT PRIMARY KEY,
		task_id     TEXT NOT NULL,
		action_type TEXT NOT NULL,
		action_id   TEXT NOT NULL,
		lock_id     TEXT,
		content     TEXT,
		anchor      TEXT NOT NULL,
		mode        TEXT NOT NULL,
		context     TEXT NOT NULL,
		issued_at   TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_actions_task ON intervention_actions(task_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateTask inserts a new task at version 0.
func (s *Store) CreateTask(content string, lockIDs []string) (*Task, error) {
	if lockIDs == nil {
		lockIDs = []string{}
	}
	now := time.Now().UTC()
	task := &Task{
		ID:        uuid.New().String(),
		Content:   content,
		LockIDs:   lockIDs,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}

	locks, err := json.Marshal(task.LockIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal lock_ids: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO tasks (id, content, lock_ids, version, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		task.ID, task.Content, string(locks),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// GetTask loads a task by id. Returns ErrNotFound for unknown ids.
func (s *Store) GetTask(id string) (*Task, error) {
	var (
		task      Task
		locks     string
		createdAt string
		updatedAt string
	)
	err := s.db.QueryRow(
		`SELECT id, content, lock_ids, version, created_at, updated_at FROM tasks WHERE id = ?`,
		id,
	).Scan(&task.ID, &task.Content, &locks, &task.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(locks), &task.LockIDs); err != nil {
		return nil, fmt.Errorf("unmarshal lock_ids: %w", err)
	}
	task.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	task.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &task, nil
}

// UpdateTask saves new content and lock ids if and only if the supplied
// version matches the stored one. The accepted save returns the task at
// version+1. A mismatch returns ErrVersionConflict.
func (s *Store) UpdateTask(id, content string, lockIDs []string, version int) (*Task, error) {
	if lockIDs == nil {
		lockIDs = []string{}
	}
	locks, err := json.Marshal(lockIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal lock_ids: %w", err)
	}
	now := time.Now().UTC()

	// Compare-and-swap: the WHERE clause guards both existence and
	// version in one statement so concurrent writers serialize cleanly.
	res, err := s.db.Exec(
		`UPDATE tasks SET content = ?, lock_ids = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		content, string(locks), now.Format(time.RFC3339Nano), id, version,
	)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetTask(id); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrVersionConflict
	}

	return s.GetTask(id)
}

// DeleteTask removes a task and, via cascade, its action history.
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	// Cascade requires foreign_keys pragma; delete explicitly so history
	// never outlives its task regardless of connection settings.
	_, err = s.db.Exec(`DELETE FROM intervention_actions WHERE task_id = ?`, id)
	return err
}

// RecordAction appends an intervention action to a task's history.
func (s *Store) RecordAction(rec *ActionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	anchor, err := json.Marshal(rec.Anchor)
	if err != nil {
		return fmt.Errorf("marshal anchor: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO intervention_actions
		 (id, task_id, action_type, action_id, lock_id, content, anchor, mode, context, issued_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskID, string(rec.ActionType), rec.ActionID,
		rec.LockID, rec.Content, string(anchor), string(rec.Mode), rec.Context,
		rec.IssuedAt.UTC().Format(time.RFC3339Nano),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// ListActions returns a task's action history, newest first.
func (s *Store) ListActions(taskID string, limit, offset int) ([]*ActionRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT id, task_id, action_type, action_id, lock_id, content, anchor, mode, context, issued_at, created_at
		 FROM intervention_actions WHERE task_id = ?
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		taskID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var records []*ActionRecord
	for rows.Next() {
		var (
			rec        ActionRecord
			lockID     sql.NullString
			content    sql.NullString
			anchor     string
			actionType string
			mode       string
			issuedAt   string
			createdAt  string
		)
		if err := rows.Scan(&rec.ID, &rec.TaskID, &actionType, &rec.ActionID,
			&lockID, &content, &anchor, &mode, &rec.Context, &issuedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		rec.ActionType = intervention.Action(actionType)
		rec.Mode = intervention.Mode(mode)
		rec.LockID = lockID.String
		rec.Content = content.String
		if err := json.Unmarshal([]byte(anchor), &rec.Anchor); err != nil {
			return nil, fmt.Errorf("unmarshal anchor: %w", err)
		}
		rec.IssuedAt, _ = time.Parse(time.RFC3339Nano, issuedAt)
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// CountActions returns the total history length for a task.
func (s *Store) CountActions(taskID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM intervention_actions WHERE task_id = ?`, taskID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}
