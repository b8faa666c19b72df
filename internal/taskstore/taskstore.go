// Package taskstore provides durable todo storage.
//
// Tasks belong to exactly one scope. Every query filters by scope, so a
// numeric task ID only resolves within the scope that created it.
package taskstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a task does not exist within the
// requested scope, including when it exists under a different scope.
var ErrNotFound = errors.New("task not found")

// Status filter values for List.
const (
	StatusAll       = "all"
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Task is one todo item.
type Task struct {
	ID          int64     `json:"id"`
	Scope       string    `json:"scope"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Update describes a partial task update. Nil fields are left unchanged.
type Update struct {
	Title       *string
	Description *string
	Completed   *bool
}

// Store is a SQLite-backed task store.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the task store at dbPath using the
// production driver.
func NewStore(dbPath string) (*Store, error) {
	return NewStoreWithDriver("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
}

// NewStoreWithDriver opens the task store using an explicit driver and DSN.
func NewStoreWithDriver(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scope TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_scope ON tasks(scope, completed);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new pending task and returns it with its assigned ID.
func (s *Store) Create(scope, title, description string) (*Task, error) {
	now := time.Now().UTC()

	res, err := s.db.Exec(`
		INSERT INTO tasks (scope, title, description, completed, created_at, updated_at)
		VALUES (?, ?, ?, FALSE, ?, ?)
	`, scope, title, description, now, now)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("task id: %w", err)
	}

	return &Task{
		ID:          id,
		Scope:       scope,
		Title:       title,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Get retrieves one task by ID within a scope.
func (s *Store) Get(scope string, id int64) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT id, scope, title, description, completed, created_at, updated_at
		FROM tasks
		WHERE id = ? AND scope = ?
	`, id, scope)

	var t Task
	err := row.Scan(&t.ID, &t.Scope, &t.Title, &t.Description, &t.Completed, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// List returns a scope's tasks in creation order, optionally filtered by
// completion status. An empty status means StatusAll.
func (s *Store) List(scope, status string) ([]Task, error) {
	query := `
		SELECT id, scope, title, description, completed, created_at, updated_at
		FROM tasks
		WHERE scope = ?
	`
	switch status {
	case StatusPending:
		query += ` AND completed = FALSE`
	case StatusCompleted:
		query += ` AND completed = TRUE`
	case StatusAll, "":
	default:
		return nil, fmt.Errorf("invalid status filter %q", status)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.Query(query, scope)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []Task{}
	for rows.Next() {
		var t Task
		err := rows.Scan(&t.ID, &t.Scope, &t.Title, &t.Description, &t.Completed, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Apply updates the non-nil fields of a task and returns the result.
// An Update with no fields set is a no-op that still verifies the task
// exists in the scope.
func (s *Store) Apply(scope string, id int64, u Update) (*Task, error) {
	task, err := s.Get(scope, id)
	if err != nil {
		return nil, err
	}

	if u.Title == nil && u.Description == nil && u.Completed == nil {
		return task, nil
	}

	if u.Title != nil {
		task.Title = *u.Title
	}
	if u.Description != nil {
		task.Description = *u.Description
	}
	if u.Completed != nil {
		task.Completed = *u.Completed
	}
	task.UpdatedAt = time.Now().UTC()

	_, err = s.db.Exec(`
		UPDATE tasks SET title = ?, description = ?, completed = ?, updated_at = ?
		WHERE id = ? AND scope = ?
	`, task.Title, task.Description, task.Completed, task.UpdatedAt, id, scope)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return task, nil
}

// Delete removes a task within a scope.
func (s *Store) Delete(scope string, id int64) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ? AND scope = ?`, id, scope)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
