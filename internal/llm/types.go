// Package llm defines the conversational model gateway: the canonical
// turn/segment data model exchanged with a model, the provider-neutral
// outcome union, and the classified failure taxonomy. Wire-format
// conversion happens at provider boundaries (gemini.go), never here.
package llm

import (
	"errors"
	"fmt"
)

// Role identifies who produced a Turn.
type Role string

const (
	// RoleUser is input from the human.
	RoleUser Role = "user"

	// RoleModel is output from the model: prose or invocation requests.
	RoleModel Role = "model"

	// RoleFunction carries invocation results back to the model.
	RoleFunction Role = "function"
)

// Invocation is a structured request, issued by the model, to execute a
// named tool with the given arguments.
type Invocation struct {
	Name string         `json:"name"`
	Args map[string]any `json:"arguments"`
}

// InvocationResult is the outcome of a previously issued Invocation.
type InvocationResult struct {
	Name    string `json:"name"`
	Payload any    `json:"result"`
}

// Segment is one typed piece of content within a Turn. Exactly one of
// the three fields is set.
type Segment struct {
	Text   string            `json:"text,omitempty"`
	Call   *Invocation       `json:"call,omitempty"`
	Result *InvocationResult `json:"result,omitempty"`
}

// TextSegment builds a text segment.
func TextSegment(s string) Segment {
	return Segment{Text: s}
}

// CallSegment builds an invocation segment.
func CallSegment(inv Invocation) Segment {
	return Segment{Call: &inv}
}

// ResultSegment builds an invocation-result segment.
func ResultSegment(res InvocationResult) Segment {
	return Segment{Result: &res}
}

// Turn is one unit of conversation history handed to or received from
// the model. Turns are immutable once constructed; the orchestrator
// builds a fresh sequence per exchange and never mutates stored history.
type Turn struct {
	Role     Role      `json:"role"`
	Segments []Segment `json:"segments"`
}

// ToolDef describes one tool offered to the model: a name, a
// description, and a JSON-schema-shaped parameter map.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Outcome is the result of one successful gateway exchange. A model
// either replies in prose or requests work, never both: when Calls is
// non-empty the exchange is an invocation request and Text is empty.
type Outcome struct {
	Text  string
	Calls []Invocation
}

// IsInvocationRequest reports whether the model asked for tool execution.
func (o *Outcome) IsInvocationRequest() bool {
	return len(o.Calls) > 0
}

// FailureKind classifies why a gateway exchange failed.
type FailureKind int

const (
	// FailureUnconfigured means no model credential is available.
	FailureUnconfigured FailureKind = iota

	// FailureUnavailable means the model could not be reached or initialized.
	FailureUnavailable

	// FailureRateLimited means the provider rejected the request for quota.
	FailureRateLimited

	// FailureBlocked means a safety or policy rejection.
	FailureBlocked

	// FailureMalformed means the response could not be interpreted.
	FailureMalformed

	// FailureTransient is a network or client error distinct from rate limiting.
	FailureTransient
)

// String returns the kind's stable name, used in logs.
func (k FailureKind) String() string {
	switch k {
	case FailureUnconfigured:
		return "unconfigured"
	case FailureUnavailable:
		return "unavailable"
	case FailureRateLimited:
		return "rate_limited"
	case FailureBlocked:
		return "blocked"
	case FailureMalformed:
		return "malformed"
	case FailureTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Failure is a classified gateway failure. Detail carries provider
// internals for logging and is never shown to the end user.
type Failure struct {
	Kind   FailureKind
	Detail string
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Detail == "" {
		return fmt.Sprintf("model gateway failure: %s", f.Kind)
	}
	return fmt.Sprintf("model gateway failure: %s: %s", f.Kind, f.Detail)
}

// AsFailure unwraps err into a classified Failure, if it is one.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
