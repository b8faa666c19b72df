// Package agent implements the core orchestration loop: persist the
// user's message, exchange with the model gateway, execute requested
// tools, and always come back with a reply.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/todopilot/todopilot/internal/history"
	"github.com/todopilot/todopilot/internal/llm"
	"github.com/todopilot/todopilot/internal/memory"
	"github.com/todopilot/todopilot/internal/tools"
)

// ErrEmptyMessage is returned when the user's message is blank.
var ErrEmptyMessage = fmt.Errorf("message must not be empty")

const (
	// defaultReply covers a model that returns an empty reply.
	defaultReply = "I've processed your request."

	// fallbackHint is appended when the model is down and no rule matched.
	fallbackHint = "You can still say things like 'add task buy milk', " +
		"'list tasks', 'complete task 2', or 'delete task 3'."

	maxTitleLen = 50
)

// Result is the outcome of one handled user message.
type Result struct {
	ConversationID string

	// MessageID identifies the persisted reply message.
	MessageID string

	ReplyText string

	// Fallback is set when the rule interpreter produced the reply
	// because the model gateway failed.
	Fallback bool

	// Degraded is set when tools ran but the closing model exchange
	// failed, so the reply was composed from tool results.
	Degraded bool

	// Failure carries the gateway failure kind when the reply was
	// produced without a successful model exchange: an unmatched
	// fallback or a degraded tool round. Nil on clean rounds and on
	// matched fallbacks, which stand on their own as replies.
	Failure *llm.FailureKind

	// ToolCalls lists the invocations executed for this message, in order.
	ToolCalls []llm.Invocation
}

// Loop is the orchestration loop.
type Loop struct {
	logger   *slog.Logger
	memory   memory.Store
	registry *tools.Registry
	llm      llm.Client
	fallback *fallbackInterpreter
}

// NewLoop creates an orchestration loop.
func NewLoop(logger *slog.Logger, mem memory.Store, registry *tools.Registry, client llm.Client) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger:   logger,
		memory:   mem,
		registry: registry,
		llm:      client,
		fallback: newFallbackInterpreter(registry, logger),
	}
}

// Instructions returns the system instruction handed to the model.
func Instructions(now time.Time) string {
	return "You are TodoPilot, a friendly assistant that manages the user's todo list. " +
		"Use the available tools for every task operation instead of answering from memory. " +
		"Task IDs are numeric. Be concise. " +
		"Today's date is " + now.Format("Monday, January 2, 2006") + "."
}

// HandleUserMessage runs one full exchange. The user's message is
// persisted before the first model call, so it survives every failure
// path. conversationID may be empty to start a new conversation.
func (l *Loop) HandleUserMessage(ctx context.Context, scope, conversationID, text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	conv, err := l.resolveConversation(scope, conversationID, text)
	if err != nil {
		return nil, err
	}

	logger := l.logger.With("scope", scope, "conversation", conv.ID)
	logger.Info("handling user message", "chars", len(text))

	records, err := l.memory.ListMessages(conv.ID, scope)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	turns := history.ToTurns(recordsFromMessages(records), logger)

	// The user's message is durable before the model is ever consulted.
	if _, err := l.memory.AppendMessage(conv.ID, scope, string(llm.RoleUser), text, "", ""); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	outcome, err := l.llm.Converse(ctx, turns, text, l.registry.Defs())
	if err != nil {
		return l.handleGatewayFailure(ctx, scope, conv.ID, text, err, logger)
	}

	if !outcome.IsInvocationRequest() {
		reply := outcome.Text
		if reply == "" {
			reply = defaultReply
		}
		return l.finish(scope, conv.ID, reply, &Result{ConversationID: conv.ID, ReplyText: reply}, logger)
	}

	return l.runToolRound(ctx, scope, conv.ID, text, turns, outcome.Calls, logger)
}

// resolveConversation loads the conversation or creates one titled after
// the first message. An ID that does not resolve within the scope,
// whether stale or belonging to someone else, starts a fresh
// conversation instead of failing the message.
func (l *Loop) resolveConversation(scope, conversationID, text string) (*memory.Conversation, error) {
	if conversationID != "" {
		conv, err := l.memory.GetConversation(conversationID, scope)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, memory.ErrNotFound) {
			return nil, err
		}
		l.logger.Warn("conversation not found for scope, starting a new one",
			"scope", scope, "conversation", conversationID)
	}

	conv, err := l.memory.CreateConversation(scope, titleFromText(text))
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// runToolRound executes the model's requested invocations in order,
// persists the full exchange, and asks the model to compose the closing
// reply from the results.
func (l *Loop) runToolRound(ctx context.Context, scope, convID, text string, turns []llm.Turn, calls []llm.Invocation, logger *slog.Logger) (*Result, error) {
	callSegs := make([]llm.Segment, 0, len(calls))
	for _, c := range calls {
		logger.Info("model requested tool", "tool", c.Name)
		callSegs = append(callSegs, llm.CallSegment(c))
	}
	callTurn := llm.Turn{Role: llm.RoleModel, Segments: callSegs}
	l.persistTurn(scope, convID, callTurn, logger)

	resultSegs := make([]llm.Segment, 0, len(calls))
	var results []llm.InvocationResult
	for _, c := range calls {
		res := l.registry.Dispatch(ctx, scope, c)
		results = append(results, res)
		resultSegs = append(resultSegs, llm.ResultSegment(res))
	}
	resultTurn := llm.Turn{Role: llm.RoleFunction, Segments: resultSegs}
	l.persistTurn(scope, convID, resultTurn, logger)

	userTurn := llm.Turn{Role: llm.RoleUser, Segments: []llm.Segment{llm.TextSegment(text)}}
	followUp := append(append(turns, userTurn, callTurn), resultTurn)

	result := &Result{ConversationID: convID, ToolCalls: calls}

	outcome, err := l.llm.Converse(ctx, followUp, "", l.registry.Defs())
	if err != nil {
		// The work is done; only the prose is missing. Compose the
		// reply from the tool results instead of dropping the turn.
		kind := failureKind(err)
		logger.Warn("closing exchange failed, degrading", "kind", kind)
		result.ReplyText = replyFromResults(results)
		result.Degraded = true
		result.Failure = &kind
		return l.finish(scope, convID, result.ReplyText, result, logger)
	}

	reply := outcome.Text
	if outcome.IsInvocationRequest() || reply == "" {
		// One tool round per message. A second invocation request is
		// not executed; summarize what already ran.
		reply = replyFromResults(results)
	}
	result.ReplyText = reply
	return l.finish(scope, convID, reply, result, logger)
}

// handleGatewayFailure serves the message through the rule interpreter
// when the first model exchange fails. A matched rule's reply is merged
// with a short apology so the user knows the model was skipped; an
// unmatched message keeps the failure kind on the result.
func (l *Loop) handleGatewayFailure(ctx context.Context, scope, convID, text string, gwErr error, logger *slog.Logger) (*Result, error) {
	kind := failureKind(gwErr)
	logger.Warn("model gateway failed, using fallback", "kind", kind, "error", gwErr)

	result := &Result{ConversationID: convID, Fallback: true}

	reply, inv, matched := l.fallback.Interpret(ctx, scope, text)
	if matched {
		result.ReplyText = apology(kind) + " " + reply
		result.ToolCalls = []llm.Invocation{*inv}
	} else {
		result.ReplyText = apology(kind) + " " + fallbackHint
		result.Failure = &kind
	}
	return l.finish(scope, convID, result.ReplyText, result, logger)
}

// finish persists the reply as a model message and returns the result.
func (l *Loop) finish(scope, convID, reply string, result *Result, logger *slog.Logger) (*Result, error) {
	msg, err := l.memory.AppendMessage(convID, scope, string(llm.RoleModel), reply, "", "")
	if err != nil {
		return nil, fmt.Errorf("persist reply: %w", err)
	}
	result.MessageID = msg.ID
	logger.Info("reply ready",
		"fallback", result.Fallback,
		"degraded", result.Degraded,
		"tool_calls", len(result.ToolCalls))
	return result, nil
}

// persistTurn stores an intermediate turn of a tool round. Storage
// trouble here is logged but does not abort the round; the reply still
// reaches the user.
func (l *Loop) persistTurn(scope, convID string, turn llm.Turn, logger *slog.Logger) {
	rec, err := history.FromTurn(turn)
	if err != nil {
		logger.Warn("could not encode turn for storage", "role", turn.Role, "error", err)
		return
	}
	if _, err := l.memory.AppendMessage(convID, scope, rec.Role, rec.Content, rec.ToolCalls, rec.ToolResults); err != nil {
		logger.Warn("could not persist turn", "role", turn.Role, "error", err)
	}
}

func recordsFromMessages(msgs []memory.Message) []history.Record {
	recs := make([]history.Record, 0, len(msgs))
	for _, m := range msgs {
		recs = append(recs, history.Record{
			Role:        m.Role,
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	return recs
}

// replyFromResults composes a reply from tool result payloads, used when
// the closing model exchange is unavailable.
func replyFromResults(results []llm.InvocationResult) string {
	var parts []string
	for _, res := range results {
		payload, ok := res.Payload.(map[string]any)
		if !ok {
			continue
		}
		if errMsg, ok := payload["error"].(string); ok && errMsg != "" {
			parts = append(parts, "Sorry, that didn't work: "+errMsg+".")
			continue
		}
		if msg, ok := payload["message"].(string); ok && msg != "" {
			parts = append(parts, msg)
		}
	}
	if len(parts) == 0 {
		return defaultReply
	}
	return strings.Join(parts, " ")
}

func apology(kind llm.FailureKind) string {
	switch kind {
	case llm.FailureUnconfigured:
		return "I'm not connected to a language model right now."
	case llm.FailureRateLimited:
		return "My language model is rate limiting me at the moment."
	case llm.FailureBlocked:
		return "I can't respond to that request."
	default:
		return "I'm having trouble reaching my language model."
	}
}

func failureKind(err error) llm.FailureKind {
	if f, ok := llm.AsFailure(err); ok {
		return f.Kind
	}
	return llm.FailureTransient
}

func titleFromText(s string) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) > maxTitleLen {
		runes = runes[:maxTitleLen]
	}
	return string(runes)
}
