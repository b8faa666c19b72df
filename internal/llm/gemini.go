package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"google.golang.org/genai"

	"github.com/todopilot/todopilot/internal/httpkit"
)

// GeminiClient implements Client against the Google Gemini API.
//
// All wire-format knowledge lives here: turns are converted to genai
// contents on the way out, and candidate parts are folded back into a
// provider-neutral Outcome on the way in. Every provider error leaves
// this file as a classified *Failure.
type GeminiClient struct {
	client       *genai.Client
	model        string
	instructions func() string
	logger       *slog.Logger
}

// NewGeminiClient constructs a Gemini-backed gateway. An empty apiKey is
// not an error: the client is created in unconfigured mode and reports
// FailureUnconfigured on every exchange, so the process still starts and
// the rule-based fallback keeps serving.
//
// instructions is invoked once per exchange to produce the system
// instruction, so time-sensitive content (the current date) stays fresh
// in long-running processes. It may be nil.
func NewGeminiClient(ctx context.Context, apiKey, model string, instructions func() string, logger *slog.Logger) (*GeminiClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gc := &GeminiClient{
		model:        model,
		instructions: instructions,
		logger:       logger.With("provider", "gemini", "model", model),
	}

	if apiKey == "" {
		gc.logger.Warn("no Gemini API key configured, model exchanges will fail as unconfigured")
		return gc, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpkit.NewClient(httpkit.WithTimeout(0)),
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	gc.client = client
	return gc, nil
}

// Converse implements Client.
func (c *GeminiClient) Converse(ctx context.Context, history []Turn, nextInput string, tools []ToolDef) (*Outcome, error) {
	if c.client == nil {
		return nil, &Failure{Kind: FailureUnconfigured, Detail: "no API key"}
	}

	contents := contentsFromTurns(history)
	if nextInput != "" {
		contents = append(contents, genai.NewContentFromText(nextInput, genai.RoleUser))
	}

	cfg := &genai.GenerateContentConfig{}
	if c.instructions != nil {
		if text := c.instructions(); text != "" {
			cfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: text}},
			}
		}
	}
	if len(tools) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: declarationsFromDefs(tools)}}
	}

	c.logger.Debug("dispatching model exchange",
		"history_turns", len(history),
		"has_input", nextInput != "",
		"tools", len(tools))

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		f := classifyError(err)
		c.logger.Warn("model exchange failed", "kind", f.Kind, "detail", f.Detail)
		return nil, f
	}

	out, err := outcomeFromResponse(resp)
	if err != nil {
		if f, ok := AsFailure(err); ok {
			c.logger.Warn("model response rejected", "kind", f.Kind, "detail", f.Detail)
		}
		return nil, err
	}

	c.logger.Debug("model exchange complete",
		"invocation_request", out.IsInvocationRequest(),
		"calls", len(out.Calls))
	return out, nil
}

// contentsFromTurns converts canonical history to genai wire contents.
// Tool results travel under the function role; payloads that are not
// already JSON objects are wrapped so the API always sees an object.
func contentsFromTurns(history []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		parts := make([]*genai.Part, 0, len(turn.Segments))
		for _, seg := range turn.Segments {
			switch {
			case seg.Call != nil:
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						Name: seg.Call.Name,
						Args: seg.Call.Args,
					},
				})
			case seg.Result != nil:
				parts = append(parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						Name:     seg.Result.Name,
						Response: responseObject(seg.Result.Payload),
					},
				})
			case seg.Text != "":
				parts = append(parts, &genai.Part{Text: seg.Text})
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{
			Role:  wireRole(turn.Role),
			Parts: parts,
		})
	}
	return contents
}

func wireRole(r Role) string {
	switch r {
	case RoleModel:
		return "model"
	case RoleFunction:
		return "function"
	default:
		return "user"
	}
}

// responseObject shapes an invocation payload for the wire. The API
// requires function responses to be JSON objects.
func responseObject(payload any) map[string]any {
	if m, ok := payload.(map[string]any); ok {
		return m
	}
	return map[string]any{"content": payload}
}

// declarationsFromDefs converts tool definitions to genai declarations.
func declarationsFromDefs(defs []ToolDef) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  schemaFromMap(d.Parameters),
		})
	}
	return decls
}

// schemaFromMap converts a JSON-schema-shaped parameter map into the
// genai schema type. Only the subset the tool registry emits is handled
// (type, description, enum, properties, required, items); unknown keys
// are ignored.
func schemaFromMap(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}

	if t, ok := m["type"].(string); ok {
		s.Type = schemaType(t)
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if enum, ok := m["enum"].([]string); ok {
		s.Enum = enum
	} else if enum, ok := m["enum"].([]any); ok {
		for _, v := range enum {
			if str, ok := v.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if pm, ok := raw.(map[string]any); ok {
				s.Properties[name] = schemaFromMap(pm)
			}
		}
	}
	if req, ok := m["required"].([]string); ok {
		s.Required = req
	} else if req, ok := m["required"].([]any); ok {
		for _, v := range req {
			if str, ok := v.(string); ok {
				s.Required = append(s.Required, str)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = schemaFromMap(items)
	}
	return s
}

func schemaType(t string) genai.Type {
	switch strings.ToLower(t) {
	case "string":
		return genai.TypeString
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

// outcomeFromResponse folds candidate parts into an Outcome. A turn
// either replies in prose or requests work: when the model emits both
// function calls and text, the calls win and the text is dropped.
func outcomeFromResponse(resp *genai.GenerateContentResponse) (*Outcome, error) {
	if resp == nil {
		return nil, &Failure{Kind: FailureMalformed, Detail: "empty response"}
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, &Failure{
				Kind:   FailureBlocked,
				Detail: fmt.Sprintf("prompt blocked: %s", resp.PromptFeedback.BlockReason),
			}
		}
		return nil, &Failure{Kind: FailureMalformed, Detail: "no candidates"}
	}

	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety ||
		cand.FinishReason == genai.FinishReasonProhibitedContent {
		return nil, &Failure{
			Kind:   FailureBlocked,
			Detail: fmt.Sprintf("candidate blocked: %s", cand.FinishReason),
		}
	}
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		return nil, &Failure{Kind: FailureMalformed, Detail: "candidate has no content"}
	}

	var text strings.Builder
	var calls []Invocation
	for _, part := range cand.Content.Parts {
		if part.FunctionCall != nil {
			calls = append(calls, Invocation{
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		}
		if part.Text != "" {
			text.WriteString(part.Text)
		}
	}

	if len(calls) > 0 {
		return &Outcome{Calls: calls}, nil
	}
	return &Outcome{Text: text.String()}, nil
}

// classifyError maps transport and provider errors onto the failure
// taxonomy. Everything unrecognized is treated as transient so the
// orchestrator degrades instead of crashing.
func classifyError(err error) *Failure {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return &Failure{Kind: FailureRateLimited, Detail: apiErr.Message}
		case apiErr.Code >= 500:
			return &Failure{Kind: FailureUnavailable, Detail: apiErr.Message}
		case apiErr.Code == 400 && strings.Contains(strings.ToLower(apiErr.Message), "api key"):
			return &Failure{Kind: FailureUnconfigured, Detail: apiErr.Message}
		default:
			return &Failure{Kind: FailureTransient, Detail: apiErr.Message}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Failure{Kind: FailureUnavailable, Detail: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: FailureUnavailable, Detail: err.Error()}
	}
	return &Failure{Kind: FailureTransient, Detail: err.Error()}
}
