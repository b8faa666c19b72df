package memory

import (
	"errors"
	"testing"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewStoreWithDriver("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGetConversation(t *testing.T) {
	store := setupTestStore(t)

	conv, err := store.CreateConversation("alice", "Groceries")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("expected generated conversation ID")
	}

	got, err := store.GetConversation(conv.ID, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Groceries" || got.Scope != "alice" {
		t.Errorf("got %+v", got)
	}
}

func TestGetConversationScopeIsolation(t *testing.T) {
	store := setupTestStore(t)

	conv, err := store.CreateConversation("alice", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = store.GetConversation(conv.ID, "bob")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign scope, got %v", err)
	}
}

func TestAppendAndListMessages(t *testing.T) {
	store := setupTestStore(t)

	conv, err := store.CreateConversation("alice", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := store.AppendMessage(conv.ID, "alice", "user", "add milk", "", ""); err != nil {
		t.Fatalf("append user: %v", err)
	}
	if _, err := store.AppendMessage(conv.ID, "alice", "model", "",
		`[{"name":"add_task","arguments":{"title":"milk"}}]`, ""); err != nil {
		t.Fatalf("append model: %v", err)
	}
	if _, err := store.AppendMessage(conv.ID, "alice", "function", "",
		"", `[{"name":"add_task","result":{"id":1}}]`); err != nil {
		t.Fatalf("append function: %v", err)
	}

	msgs, err := store.ListMessages(conv.ID, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}

	wantRoles := []string{"user", "model", "function"}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Errorf("msgs[%d].Role = %q, want %q", i, msgs[i].Role, want)
		}
	}
	if msgs[0].ToolCalls != "" {
		t.Errorf("user message should have no tool calls, got %q", msgs[0].ToolCalls)
	}
	if msgs[1].ToolCalls == "" {
		t.Error("model message should carry tool calls")
	}
	if msgs[2].ToolResults == "" {
		t.Error("function message should carry tool results")
	}
}

func TestAppendMessageForeignScope(t *testing.T) {
	store := setupTestStore(t)

	conv, err := store.CreateConversation("alice", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = store.AppendMessage(conv.ID, "bob", "user", "hi", "", "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	msgs, err := store.ListMessages(conv.ID, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("foreign-scope append must not write, got %d messages", len(msgs))
	}
}

func TestListMessagesPreservesInsertionOrder(t *testing.T) {
	store := setupTestStore(t)

	conv, err := store.CreateConversation("alice", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Rapid appends often share a timestamp; order must still hold.
	want := []string{"one", "two", "three", "four", "five"}
	for _, content := range want {
		if _, err := store.AppendMessage(conv.ID, "alice", "user", content, "", ""); err != nil {
			t.Fatalf("append %q: %v", content, err)
		}
	}

	msgs, err := store.ListMessages(conv.ID, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, content := range want {
		if msgs[i].Content != content {
			t.Errorf("msgs[%d].Content = %q, want %q", i, msgs[i].Content, content)
		}
	}
}

func TestListConversationsByScope(t *testing.T) {
	store := setupTestStore(t)

	if _, err := store.CreateConversation("alice", "A"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateConversation("alice", "B"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateConversation("bob", "C"); err != nil {
		t.Fatalf("create: %v", err)
	}

	convs, err := store.ListConversations("alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations for alice, got %d", len(convs))
	}
	for _, c := range convs {
		if c.Scope != "alice" {
			t.Errorf("leaked conversation from scope %q", c.Scope)
		}
	}
}

func TestUpdateTitle(t *testing.T) {
	store := setupTestStore(t)

	conv, err := store.CreateConversation("alice", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.UpdateTitle(conv.ID, "alice", "Shopping"); err != nil {
		t.Fatalf("update title: %v", err)
	}

	got, err := store.GetConversation(conv.ID, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Shopping" {
		t.Errorf("title = %q, want %q", got.Title, "Shopping")
	}

	if err := store.UpdateTitle(conv.ID, "bob", "Hijacked"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign scope, got %v", err)
	}
}
