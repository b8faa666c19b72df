// Package history converts between stored conversation records and the
// canonical turn model. Storage keeps one flat record per message with
// tool activity serialized as JSON columns; the gateway wants typed
// turns. This package is the only place that mapping lives.
package history

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/todopilot/todopilot/internal/llm"
)

// Record is the flat, storage-shaped form of one conversation message.
// ToolCalls and ToolResults hold JSON arrays, or empty strings when the
// message carries none.
type Record struct {
	Role        string
	Content     string
	ToolCalls   string
	ToolResults string
}

// FromTurn flattens a turn into its storage form. Text segments are
// concatenated into Content; call and result segments are serialized
// into their JSON columns in order.
func FromTurn(turn llm.Turn) (Record, error) {
	rec := Record{Role: string(turn.Role)}

	var content strings.Builder
	var calls []llm.Invocation
	var results []llm.InvocationResult
	for _, seg := range turn.Segments {
		switch {
		case seg.Call != nil:
			calls = append(calls, *seg.Call)
		case seg.Result != nil:
			results = append(results, *seg.Result)
		case seg.Text != "":
			content.WriteString(seg.Text)
		}
	}
	rec.Content = content.String()

	if len(calls) > 0 {
		b, err := json.Marshal(calls)
		if err != nil {
			return Record{}, err
		}
		rec.ToolCalls = string(b)
	}
	if len(results) > 0 {
		b, err := json.Marshal(results)
		if err != nil {
			return Record{}, err
		}
		rec.ToolResults = string(b)
	}
	return rec, nil
}

// ToTurns reconstructs canonical turns from stored records, preserving
// record order. Reconstruction is lenient: a record whose JSON columns
// fail to parse degrades to its text content, and a record with nothing
// usable is skipped. History that was written once must never make a
// conversation unreadable.
func ToTurns(recs []Record, logger *slog.Logger) []llm.Turn {
	if logger == nil {
		logger = slog.Default()
	}

	turns := make([]llm.Turn, 0, len(recs))
	for i, rec := range recs {
		turn, ok := toTurn(rec, logger, i)
		if !ok {
			continue
		}
		turns = append(turns, turn)
	}
	return turns
}

func toTurn(rec Record, logger *slog.Logger, idx int) (llm.Turn, bool) {
	var segments []llm.Segment

	if rec.Content != "" {
		segments = append(segments, llm.TextSegment(rec.Content))
	}

	if rec.ToolCalls != "" {
		var calls []llm.Invocation
		if err := json.Unmarshal([]byte(rec.ToolCalls), &calls); err != nil {
			logger.Warn("dropping undecodable tool calls from history",
				"record", idx, "error", err)
		} else {
			for _, c := range calls {
				segments = append(segments, llm.CallSegment(c))
			}
		}
	}

	if rec.ToolResults != "" {
		var results []llm.InvocationResult
		if err := json.Unmarshal([]byte(rec.ToolResults), &results); err != nil {
			logger.Warn("dropping undecodable tool results from history",
				"record", idx, "error", err)
		} else {
			for _, r := range results {
				segments = append(segments, llm.ResultSegment(r))
			}
		}
	}

	if len(segments) == 0 {
		return llm.Turn{}, false
	}
	return llm.Turn{Role: llm.Role(rec.Role), Segments: segments}, true
}
