package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/todopilot/todopilot/internal/llm"
	"github.com/todopilot/todopilot/internal/tools"
)

// fallbackInterpreter serves task commands with fixed-priority pattern
// rules when the model gateway is down. Rules are checked in order and
// the first match wins, so "add task list the groceries" creates a task
// instead of listing. Everything still dispatches through the registry;
// the interpreter never touches storage directly.
type fallbackInterpreter struct {
	rules  []fallbackRule
	reg    *tools.Registry
	logger *slog.Logger
}

type fallbackRule struct {
	name  string
	match func(text string) (llm.Invocation, bool)
}

var (
	addPattern      = regexp.MustCompile(`(?i)^add(?: task)?[ :]+(.+)`)
	completePattern = regexp.MustCompile(`(?i)^(?:complete|done|finish) task (\d+)`)
	deletePattern   = regexp.MustCompile(`(?i)^delete task (\d+)`)
)

func newFallbackInterpreter(reg *tools.Registry, logger *slog.Logger) *fallbackInterpreter {
	f := &fallbackInterpreter{reg: reg, logger: logger}
	f.rules = []fallbackRule{
		{name: "add", match: matchAdd},
		{name: "list", match: matchList},
		{name: "complete", match: matchComplete},
		{name: "delete", match: matchDelete},
	}
	return f
}

// Interpret tries the rules in priority order. It returns the reply,
// the invocation it dispatched, and whether any rule matched.
func (f *fallbackInterpreter) Interpret(ctx context.Context, scope, text string) (string, *llm.Invocation, bool) {
	text = strings.TrimSpace(text)
	for _, rule := range f.rules {
		inv, ok := rule.match(text)
		if !ok {
			continue
		}
		f.logger.Info("fallback rule matched", "rule", rule.name, "tool", inv.Name)
		res := f.reg.Dispatch(ctx, scope, inv)
		return formatFallbackReply(res), &inv, true
	}
	return "", nil, false
}

func matchAdd(text string) (llm.Invocation, bool) {
	m := addPattern.FindStringSubmatch(text)
	if m == nil {
		return llm.Invocation{}, false
	}
	return llm.Invocation{
		Name: "add_task",
		Args: map[string]any{"title": strings.TrimSpace(m[1])},
	}, true
}

func matchList(text string) (llm.Invocation, bool) {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "list") || !strings.Contains(lower, "task") {
		return llm.Invocation{}, false
	}
	args := map[string]any{}
	switch {
	case strings.Contains(lower, "pending"):
		args["status"] = "pending"
	case strings.Contains(lower, "completed"), strings.Contains(lower, "done"):
		args["status"] = "completed"
	}
	return llm.Invocation{Name: "list_tasks", Args: args}, true
}

func matchComplete(text string) (llm.Invocation, bool) {
	m := completePattern.FindStringSubmatch(text)
	if m == nil {
		return llm.Invocation{}, false
	}
	return llm.Invocation{
		Name: "complete_task",
		Args: map[string]any{"task_id": m[1]},
	}, true
}

func matchDelete(text string) (llm.Invocation, bool) {
	m := deletePattern.FindStringSubmatch(text)
	if m == nil {
		return llm.Invocation{}, false
	}
	return llm.Invocation{
		Name: "delete_task",
		Args: map[string]any{"task_id": m[1]},
	}, true
}

// formatFallbackReply renders a dispatch result for the user. The model
// normally does this job; here the payload is all there is.
func formatFallbackReply(res llm.InvocationResult) string {
	payload, ok := res.Payload.(map[string]any)
	if !ok {
		return defaultReply
	}
	if errMsg, ok := payload["error"].(string); ok && errMsg != "" {
		return "Sorry, that didn't work: " + errMsg + "."
	}

	if res.Name == "list_tasks" {
		return formatTaskList(payload)
	}
	if msg, ok := payload["message"].(string); ok && msg != "" {
		return msg
	}
	return defaultReply
}

func formatTaskList(payload map[string]any) string {
	items, _ := payload["tasks"].([]map[string]any)
	if len(items) == 0 {
		return "No tasks found."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You have %d task(s):", len(items))
	for _, item := range items {
		mark := " "
		if done, _ := item["completed"].(bool); done {
			mark = "x"
		}
		fmt.Fprintf(&b, "\n[%s] #%v %v", mark, item["id"], item["title"])
	}
	return b.String()
}
