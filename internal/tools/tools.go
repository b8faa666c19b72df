// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/todopilot/todopilot/internal/llm"
	"github.com/todopilot/todopilot/internal/taskstore"
)

// Argument limits shared by add_task and update_task.
const (
	maxTitleLen       = 255
	maxDescriptionLen = 1000
)

// Handler executes one tool call. The scope comes from the
// authenticated request, never from model-supplied arguments, so a
// handler cannot be talked into touching another scope's data.
type Handler func(ctx context.Context, scope string, args map[string]any) (any, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Registry holds available tools in a fixed registration order.
type Registry struct {
	order  []string
	tools  map[string]*Tool
	tasks  *taskstore.Store
	logger *slog.Logger
}

// NewRegistry creates a tool registry backed by the given task store.
func NewRegistry(tasks *taskstore.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]*Tool),
		tasks:  tasks,
		logger: logger,
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "add_task",
		Description: "Add a new task to the user's todo list.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short task title (required, up to 255 characters)",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Optional longer details (up to 1000 characters)",
				},
			},
			"required": []string{"title"},
		},
		Handler: r.handleAddTask,
	})

	r.Register(&Tool{
		Name:        "list_tasks",
		Description: "List the user's tasks, optionally filtered by completion status.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status": map[string]any{
					"type":        "string",
					"description": "Filter: all, pending, or completed (default all)",
					"enum":        []string{"all", "pending", "completed"},
				},
			},
		},
		Handler: r.handleListTasks,
	})

	r.Register(&Tool{
		Name:        "complete_task",
		Description: "Mark a task as completed by its numeric ID.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "integer",
					"description": "The numeric task ID",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleCompleteTask,
	})

	r.Register(&Tool{
		Name:        "delete_task",
		Description: "Delete a task by its numeric ID.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "integer",
					"description": "The numeric task ID",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleDeleteTask,
	})

	r.Register(&Tool{
		Name:        "update_task",
		Description: "Update a task's title, description, or completion status.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "integer",
					"description": "The numeric task ID",
				},
				"title": map[string]any{
					"type":        "string",
					"description": "New title (up to 255 characters)",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "New description (up to 1000 characters)",
				},
				"completed": map[string]any{
					"type":        "boolean",
					"description": "New completion status",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleUpdateTask,
	})
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Defs returns tool definitions for the model gateway, in registration
// order.
func (r *Registry) Defs() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// Dispatch executes one invocation and always produces a result. Handler
// errors become an error payload instead of propagating; the model sees
// what went wrong and the conversation continues.
func (r *Registry) Dispatch(ctx context.Context, scope string, inv llm.Invocation) llm.InvocationResult {
	tool := r.tools[inv.Name]
	if tool == nil {
		r.logger.Warn("unknown tool requested", "tool", inv.Name)
		return llm.InvocationResult{
			Name:    inv.Name,
			Payload: map[string]any{"error": fmt.Sprintf("unknown tool: %s", inv.Name)},
		}
	}

	payload, err := tool.Handler(ctx, scope, inv.Args)
	if err != nil {
		r.logger.Debug("tool call failed", "tool", inv.Name, "error", err)
		return llm.InvocationResult{
			Name:    inv.Name,
			Payload: map[string]any{"error": err.Error()},
		}
	}

	r.logger.Debug("tool call succeeded", "tool", inv.Name)
	return llm.InvocationResult{Name: inv.Name, Payload: payload}
}

// Tool handlers

func (r *Registry) handleAddTask(ctx context.Context, scope string, args map[string]any) (any, error) {
	title, err := titleArg(args, "title", true)
	if err != nil {
		return nil, err
	}
	description, err := descriptionArg(args)
	if err != nil {
		return nil, err
	}

	task, err := r.tasks.Create(scope, title, description)
	if err != nil {
		return nil, fmt.Errorf("could not save task: %w", err)
	}

	payload := taskPayload(task)
	payload["message"] = fmt.Sprintf("Task added: '%s'.", task.Title)
	return payload, nil
}

func (r *Registry) handleListTasks(ctx context.Context, scope string, args map[string]any) (any, error) {
	status := taskstore.StatusAll
	if raw, present := args["status"]; present {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("status must be a string")
		}
		switch s {
		case taskstore.StatusAll, taskstore.StatusPending, taskstore.StatusCompleted:
			status = s
		case "":
		default:
			return nil, fmt.Errorf("status must be one of: all, pending, completed")
		}
	}

	tasks, err := r.tasks.List(scope, status)
	if err != nil {
		return nil, fmt.Errorf("could not list tasks: %w", err)
	}

	items := make([]map[string]any, 0, len(tasks))
	for i := range tasks {
		items = append(items, taskPayload(&tasks[i]))
	}

	message := fmt.Sprintf("You have %d task(s).", len(tasks))
	if len(tasks) == 0 {
		message = "No tasks found."
	}
	return map[string]any{
		"tasks":   items,
		"count":   len(tasks),
		"status":  status,
		"message": message,
	}, nil
}

func (r *Registry) handleCompleteTask(ctx context.Context, scope string, args map[string]any) (any, error) {
	id, err := taskIDArg(args)
	if err != nil {
		return nil, err
	}

	done := true
	task, err := r.tasks.Apply(scope, id, taskstore.Update{Completed: &done})
	if err != nil {
		return nil, taskError(id, err)
	}

	payload := taskPayload(task)
	payload["message"] = fmt.Sprintf("Task completed: '%s'.", task.Title)
	return payload, nil
}

func (r *Registry) handleDeleteTask(ctx context.Context, scope string, args map[string]any) (any, error) {
	id, err := taskIDArg(args)
	if err != nil {
		return nil, err
	}

	task, err := r.tasks.Get(scope, id)
	if err != nil {
		return nil, taskError(id, err)
	}
	if err := r.tasks.Delete(scope, id); err != nil {
		return nil, taskError(id, err)
	}

	return map[string]any{
		"id":      task.ID,
		"message": fmt.Sprintf("Task deleted: '%s'.", task.Title),
	}, nil
}

func (r *Registry) handleUpdateTask(ctx context.Context, scope string, args map[string]any) (any, error) {
	id, err := taskIDArg(args)
	if err != nil {
		return nil, err
	}

	var update taskstore.Update
	if _, present := args["title"]; present {
		title, err := titleArg(args, "title", true)
		if err != nil {
			return nil, err
		}
		update.Title = &title
	}
	if _, present := args["description"]; present {
		description, err := descriptionArg(args)
		if err != nil {
			return nil, err
		}
		update.Description = &description
	}
	if raw, present := args["completed"]; present {
		completed, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("completed must be a boolean")
		}
		update.Completed = &completed
	}

	task, err := r.tasks.Apply(scope, id, update)
	if err != nil {
		return nil, taskError(id, err)
	}

	payload := taskPayload(task)
	if update.Title == nil && update.Description == nil && update.Completed == nil {
		payload["message"] = fmt.Sprintf("No changes requested for task %d.", id)
	} else {
		payload["message"] = fmt.Sprintf("Task updated: '%s'.", task.Title)
	}
	return payload, nil
}

// Argument helpers

func titleArg(args map[string]any, key string, required bool) (string, error) {
	raw, present := args[key]
	if !present {
		if required {
			return "", fmt.Errorf("%s is required", key)
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%s must not be empty", key)
	}
	if utf8.RuneCountInString(s) > maxTitleLen {
		return "", fmt.Errorf("%s must be %d characters or fewer", key, maxTitleLen)
	}
	return s, nil
}

func descriptionArg(args map[string]any) (string, error) {
	raw, present := args["description"]
	if !present {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("description must be a string")
	}
	if utf8.RuneCountInString(s) > maxDescriptionLen {
		return "", fmt.Errorf("description must be %d characters or fewer", maxDescriptionLen)
	}
	return s, nil
}

// taskIDArg extracts the task_id argument. Models are inconsistent
// about numeric types: JSON decoding yields float64, and some emit the
// ID as a digit string. Both are accepted as long as the value is a
// positive integer.
func taskIDArg(args map[string]any) (int64, error) {
	raw, present := args["task_id"]
	if !present {
		return 0, fmt.Errorf("task_id is required")
	}

	switch v := raw.(type) {
	case float64:
		if v != float64(int64(v)) || v <= 0 {
			return 0, fmt.Errorf("task_id must be a positive integer")
		}
		return int64(v), nil
	case int:
		if v <= 0 {
			return 0, fmt.Errorf("task_id must be a positive integer")
		}
		return int64(v), nil
	case int64:
		if v <= 0 {
			return 0, fmt.Errorf("task_id must be a positive integer")
		}
		return v, nil
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || id <= 0 {
			return 0, fmt.Errorf("task_id must be a positive integer")
		}
		return id, nil
	default:
		return 0, fmt.Errorf("task_id must be a positive integer")
	}
}

func taskError(id int64, err error) error {
	if errors.Is(err, taskstore.ErrNotFound) {
		return fmt.Errorf("task %d not found", id)
	}
	return fmt.Errorf("could not modify task %d: %w", id, err)
}

func taskPayload(t *taskstore.Task) map[string]any {
	return map[string]any{
		"id":          t.ID,
		"title":       t.Title,
		"description": t.Description,
		"completed":   t.Completed,
	}
}
