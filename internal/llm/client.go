package llm

import "context"

// Client is the per-request contract every model provider must satisfy.
//
// Converse performs one request/response exchange: the caller supplies
// the reconstructed history, the user's next input, and the tool
// definitions the model may invoke. A non-empty nextInput is appended as
// a final user turn before dispatch; an empty nextInput means "continue
// based on history alone" and is used for the second turn after tool
// execution.
//
// On success the returned Outcome is either a prose reply or an ordered
// invocation request. Every provider-level problem is returned as a
// classified *Failure error; no other error type crosses this boundary.
type Client interface {
	Converse(ctx context.Context, history []Turn, nextInput string, tools []ToolDef) (*Outcome, error)
}
