package memory

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a conversation does not exist within the
// requested scope. A conversation that exists under a different scope
// reports the same error; callers cannot distinguish the two cases.
var ErrNotFound = errors.New("conversation not found")

// SQLiteStore is a SQLite-backed conversation store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the store at dbPath using the
// production driver, with WAL journaling for concurrent readers.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return NewStoreWithDriver("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
}

// NewStoreWithDriver opens the store using an explicit driver and DSN.
func NewStoreWithDriver(driver, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_scope ON conversations(scope, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_results TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateConversation starts a new conversation in the given scope.
func (s *SQLiteStore) CreateConversation(scope, title string) (*Conversation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate conversation id: %w", err)
	}
	now := time.Now().UTC()

	_, err = s.db.Exec(`
		INSERT INTO conversations (id, scope, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), scope, title, now, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	return &Conversation{
		ID:        id.String(),
		Scope:     scope,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetConversation retrieves a conversation by ID within a scope.
func (s *SQLiteStore) GetConversation(id, scope string) (*Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, scope, title, created_at, updated_at
		FROM conversations
		WHERE id = ? AND scope = ?
	`, id, scope)

	var conv Conversation
	err := row.Scan(&conv.ID, &conv.Scope, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations returns the scope's conversations, most recently
// updated first.
func (s *SQLiteStore) ListConversations(scope string) ([]Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, scope, title, created_at, updated_at
		FROM conversations
		WHERE scope = ?
		ORDER BY updated_at DESC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs := []Conversation{}
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Scope, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// UpdateTitle sets a conversation's title.
func (s *SQLiteStore) UpdateTitle(id, scope, title string) error {
	res, err := s.db.Exec(`
		UPDATE conversations SET title = ?, updated_at = ? WHERE id = ? AND scope = ?
	`, title, time.Now().UTC(), id, scope)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage appends a message to a conversation. The conversation
// must already exist within the scope; its updated_at is bumped in the
// same transaction so a partial write never reorders a thread.
func (s *SQLiteStore) AppendMessage(conversationID, scope, role, content, toolCalls, toolResults string) (*Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRow(`SELECT 1 FROM conversations WHERE id = ? AND scope = ?`,
		conversationID, scope).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("check conversation: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO messages (id, conversation_id, scope, role, content, tool_calls, tool_results, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), conversationID, scope, role, content,
		nullable(toolCalls), nullable(toolResults), now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID)
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &Message{
		ID:             id.String(),
		ConversationID: conversationID,
		Scope:          scope,
		Role:           role,
		Content:        content,
		ToolCalls:      toolCalls,
		ToolResults:    toolResults,
		CreatedAt:      now,
	}, nil
}

// ListMessages returns a conversation's messages in chronological order.
// Message IDs are time-ordered UUIDs, so the id tiebreak keeps messages
// written within the same timestamp in insertion order.
func (s *SQLiteStore) ListMessages(conversationID, scope string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, scope, role, content, tool_calls, tool_results, created_at
		FROM messages
		WHERE conversation_id = ? AND scope = ?
		ORDER BY created_at ASC, id ASC
	`, conversationID, scope)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		var toolCalls, toolResults sql.NullString
		err := rows.Scan(&m.ID, &m.ConversationID, &m.Scope, &m.Role, &m.Content,
			&toolCalls, &toolResults, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ToolCalls = toolCalls.String
		m.ToolResults = toolResults.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// nullable maps an empty string to NULL so unset JSON columns stay NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
