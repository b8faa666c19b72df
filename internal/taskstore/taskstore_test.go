package taskstore

import (
	"errors"
	"testing"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStoreWithDriver("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := setupTestStore(t)

	task, err := store.Create("alice", "Buy milk", "2 liters")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID == 0 {
		t.Fatal("expected assigned task ID")
	}
	if task.Completed {
		t.Error("new task should be pending")
	}

	got, err := store.Get("alice", task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Buy milk" || got.Description != "2 liters" {
		t.Errorf("got %+v", got)
	}
}

func TestGetScopeIsolation(t *testing.T) {
	store := setupTestStore(t)

	task, err := store.Create("alice", "Buy milk", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := store.Get("bob", task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign scope, got %v", err)
	}
}

func TestListFilters(t *testing.T) {
	store := setupTestStore(t)

	a, err := store.Create("alice", "pending one", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Create("alice", "pending two", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	done := true
	if _, err := store.Apply("alice", a.ID, Update{Completed: &done}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := store.Create("bob", "someone else's", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	all, err := store.List("alice", StatusAll)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("list all = %d tasks, want 2", len(all))
	}

	pending, err := store.List("alice", StatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Title != "pending two" {
		t.Errorf("pending = %+v", pending)
	}

	completed, err := store.List("alice", StatusCompleted)
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != a.ID {
		t.Errorf("completed = %+v", completed)
	}

	if _, err := store.List("alice", "bogus"); err == nil {
		t.Error("expected error for invalid status filter")
	}
}

func TestListCreationOrder(t *testing.T) {
	store := setupTestStore(t)

	for _, title := range []string{"first", "second", "third"} {
		if _, err := store.Create("alice", title, ""); err != nil {
			t.Fatalf("create %q: %v", title, err)
		}
	}

	tasks, err := store.List("alice", StatusAll)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, want := range []string{"first", "second", "third"} {
		if tasks[i].Title != want {
			t.Errorf("tasks[%d].Title = %q, want %q", i, tasks[i].Title, want)
		}
	}
}

func TestApply(t *testing.T) {
	store := setupTestStore(t)

	task, err := store.Create("alice", "old title", "old desc")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	title := "new title"
	done := true
	got, err := store.Apply("alice", task.ID, Update{Title: &title, Completed: &done})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got.Title != "new title" || !got.Completed {
		t.Errorf("got %+v", got)
	}
	if got.Description != "old desc" {
		t.Errorf("untouched field changed: %q", got.Description)
	}

	reread, err := store.Get("alice", task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reread.Title != "new title" || !reread.Completed {
		t.Errorf("update not persisted: %+v", reread)
	}
}

func TestApplyNoFieldsIsNoOp(t *testing.T) {
	store := setupTestStore(t)

	task, err := store.Create("alice", "unchanged", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Apply("alice", task.ID, Update{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got.Title != "unchanged" || !got.UpdatedAt.Equal(task.UpdatedAt) {
		t.Errorf("no-op update changed task: %+v", got)
	}

	if _, err := store.Apply("alice", 9999, Update{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no-op on missing task should still report not found, got %v", err)
	}
}

func TestApplyScopeIsolation(t *testing.T) {
	store := setupTestStore(t)

	task, err := store.Create("alice", "mine", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	title := "stolen"
	if _, err := store.Apply("bob", task.ID, Update{Title: &title}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := store.Get("alice", task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "mine" {
		t.Errorf("foreign-scope update mutated task: %+v", got)
	}
}

func TestDelete(t *testing.T) {
	store := setupTestStore(t)

	task, err := store.Create("alice", "doomed", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.Delete("bob", task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign-scope delete should report not found, got %v", err)
	}
	if err := store.Delete("alice", task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete("alice", task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should report not found, got %v", err)
	}
}
