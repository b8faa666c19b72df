package agent

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/todopilot/todopilot/internal/taskstore"
	"github.com/todopilot/todopilot/internal/tools"

	_ "modernc.org/sqlite"
)

func setupFallback(t *testing.T) (*fallbackInterpreter, *taskstore.Store) {
	t.Helper()
	store, err := taskstore.NewStoreWithDriver("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newFallbackInterpreter(tools.NewRegistry(store, logger), logger), store
}

func TestFallbackAdd(t *testing.T) {
	f, store := setupFallback(t)
	ctx := context.Background()

	cases := []struct {
		input string
		title string
	}{
		{"add task Buy milk", "Buy milk"},
		{"add Buy eggs", "Buy eggs"},
		{"Add Task water the plants", "water the plants"},
	}

	for _, tc := range cases {
		reply, inv, matched := f.Interpret(ctx, "alice", tc.input)
		if !matched {
			t.Errorf("%q did not match", tc.input)
			continue
		}
		if !strings.Contains(reply, "Task added: '"+tc.title+"'.") {
			t.Errorf("%q reply = %q", tc.input, reply)
		}
		if inv == nil || inv.Name != "add_task" {
			t.Errorf("%q invocation = %+v", tc.input, inv)
		}
	}

	tasks, err := store.List("alice", taskstore.StatusAll)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 3 {
		t.Errorf("expected 3 tasks, got %d", len(tasks))
	}
}

func TestFallbackPriorityAddBeatsList(t *testing.T) {
	f, store := setupFallback(t)

	reply, _, matched := f.Interpret(context.Background(), "alice", "add task list the groceries")
	if !matched {
		t.Fatal("expected a match")
	}
	if !strings.Contains(reply, "Task added: 'list the groceries'.") {
		t.Errorf("reply = %q", reply)
	}

	tasks, err := store.List("alice", taskstore.StatusAll)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "list the groceries" {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestFallbackList(t *testing.T) {
	f, store := setupFallback(t)
	ctx := context.Background()

	a, err := store.Create("alice", "finished", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	done := true
	if _, err := store.Apply("alice", a.ID, taskstore.Update{Completed: &done}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := store.Create("alice", "open", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	reply, _, matched := f.Interpret(ctx, "alice", "please list my tasks")
	if !matched {
		t.Fatal("expected a match")
	}
	if !strings.Contains(reply, "2 task(s)") {
		t.Errorf("reply = %q", reply)
	}
	if !strings.Contains(reply, "[x]") || !strings.Contains(reply, "finished") {
		t.Errorf("completed task not rendered: %q", reply)
	}

	reply, _, matched = f.Interpret(ctx, "alice", "list pending tasks")
	if !matched {
		t.Fatal("expected a match")
	}
	if strings.Contains(reply, "finished") || !strings.Contains(reply, "open") {
		t.Errorf("pending filter reply = %q", reply)
	}
}

func TestFallbackCompleteAndDelete(t *testing.T) {
	f, store := setupFallback(t)
	ctx := context.Background()

	task, err := store.Create("alice", "chore", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, verb := range []string{"complete", "done", "finish"} {
		text := verb + " task 1"
		if _, _, matched := f.Interpret(ctx, "alice", text); !matched {
			t.Errorf("%q did not match", text)
		}
	}

	got, err := store.Get("alice", task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Completed {
		t.Error("task not completed")
	}

	reply, _, matched := f.Interpret(ctx, "alice", "delete task 1")
	if !matched {
		t.Fatal("expected a match")
	}
	if !strings.Contains(reply, "Task deleted: 'chore'.") {
		t.Errorf("reply = %q", reply)
	}

	reply, _, matched = f.Interpret(ctx, "alice", "delete task 99")
	if !matched {
		t.Fatal("expected a match")
	}
	if !strings.Contains(reply, "not found") {
		t.Errorf("missing-task reply = %q", reply)
	}
}

func TestFallbackNoMatch(t *testing.T) {
	f, _ := setupFallback(t)
	ctx := context.Background()

	for _, text := range []string{
		"what's the weather like?",
		"complete everything",
		"remove task 3",
		"",
	} {
		if _, _, matched := f.Interpret(ctx, "alice", text); matched {
			t.Errorf("%q should not match", text)
		}
	}
}
