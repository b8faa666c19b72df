package history

import (
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/todopilot/todopilot/internal/llm"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFromTurnText(t *testing.T) {
	rec, err := FromTurn(llm.Turn{
		Role:     llm.RoleUser,
		Segments: []llm.Segment{llm.TextSegment("add milk")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Role != "user" || rec.Content != "add milk" {
		t.Errorf("record = %+v", rec)
	}
	if rec.ToolCalls != "" || rec.ToolResults != "" {
		t.Errorf("text-only turn should leave JSON columns empty, got %+v", rec)
	}
}

func TestFromTurnCalls(t *testing.T) {
	rec, err := FromTurn(llm.Turn{
		Role: llm.RoleModel,
		Segments: []llm.Segment{
			llm.CallSegment(llm.Invocation{
				Name: "add_task",
				Args: map[string]any{"title": "milk"},
			}),
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var calls []llm.Invocation
	if err := json.Unmarshal([]byte(rec.ToolCalls), &calls); err != nil {
		t.Fatalf("tool calls column is not valid JSON: %v", err)
	}
	if len(calls) != 1 || calls[0].Name != "add_task" {
		t.Errorf("calls = %+v", calls)
	}
	if calls[0].Args["title"] != "milk" {
		t.Errorf("args = %+v", calls[0].Args)
	}
}

func TestRoundTrip(t *testing.T) {
	turns := []llm.Turn{
		{Role: llm.RoleUser, Segments: []llm.Segment{llm.TextSegment("add milk and eggs")}},
		{Role: llm.RoleModel, Segments: []llm.Segment{
			llm.CallSegment(llm.Invocation{Name: "add_task", Args: map[string]any{"title": "milk"}}),
			llm.CallSegment(llm.Invocation{Name: "add_task", Args: map[string]any{"title": "eggs"}}),
		}},
		{Role: llm.RoleFunction, Segments: []llm.Segment{
			llm.ResultSegment(llm.InvocationResult{
				Name:    "add_task",
				Payload: map[string]any{"id": float64(1), "title": "milk"},
			}),
			llm.ResultSegment(llm.InvocationResult{
				Name:    "add_task",
				Payload: map[string]any{"id": float64(2), "title": "eggs"},
			}),
		}},
		{Role: llm.RoleModel, Segments: []llm.Segment{llm.TextSegment("Added both.")}},
	}

	recs := make([]Record, 0, len(turns))
	for _, turn := range turns {
		rec, err := FromTurn(turn)
		if err != nil {
			t.Fatalf("FromTurn: %v", err)
		}
		recs = append(recs, rec)
	}

	got := ToTurns(recs, discard())
	if !reflect.DeepEqual(got, turns) {
		t.Errorf("round trip changed history:\n got %+v\nwant %+v", got, turns)
	}

	// A second pass over the same records must be byte-stable.
	recs2 := make([]Record, 0, len(got))
	for _, turn := range got {
		rec, err := FromTurn(turn)
		if err != nil {
			t.Fatalf("FromTurn second pass: %v", err)
		}
		recs2 = append(recs2, rec)
	}
	if !reflect.DeepEqual(recs, recs2) {
		t.Errorf("re-flattening changed records:\n got %+v\nwant %+v", recs2, recs)
	}
}

func TestToTurnsPreservesOrder(t *testing.T) {
	recs := []Record{
		{Role: "user", Content: "first"},
		{Role: "model", Content: "second"},
		{Role: "user", Content: "third"},
	}
	turns := ToTurns(recs, discard())
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	for i, want := range []string{"first", "second", "third"} {
		if turns[i].Segments[0].Text != want {
			t.Errorf("turn %d text = %q, want %q", i, turns[i].Segments[0].Text, want)
		}
	}
}

func TestToTurnsDegradesMalformedJSON(t *testing.T) {
	recs := []Record{
		{Role: "model", Content: "partial reply", ToolCalls: "{not json"},
		{Role: "function", ToolResults: "[broken"},
		{Role: "user", Content: "still here"},
	}

	turns := ToTurns(recs, discard())
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns (one degraded, one skipped), got %d", len(turns))
	}
	if turns[0].Segments[0].Text != "partial reply" {
		t.Errorf("malformed calls should degrade to text, got %+v", turns[0])
	}
	if turns[1].Segments[0].Text != "still here" {
		t.Errorf("later records must survive earlier corruption, got %+v", turns[1])
	}
}
