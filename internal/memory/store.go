// Package memory provides durable conversation storage.
//
// Every row is tagged with the owning scope, and every read filters by
// it. A conversation ID from one scope is invisible to every other
// scope; callers above this package never see cross-scope data.
package memory

import "time"

// Conversation is one chat thread within a scope.
type Conversation struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one stored conversation message. ToolCalls and ToolResults
// hold JSON arrays when the message carries tool activity, empty strings
// otherwise.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Scope          string    `json:"scope"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ToolCalls      string    `json:"tool_calls,omitempty"`
	ToolResults    string    `json:"tool_results,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store is the conversation persistence contract.
type Store interface {
	CreateConversation(scope, title string) (*Conversation, error)
	GetConversation(id, scope string) (*Conversation, error)
	ListConversations(scope string) ([]Conversation, error)
	UpdateTitle(id, scope, title string) error

	AppendMessage(conversationID, scope, role, content, toolCalls, toolResults string) (*Message, error)
	ListMessages(conversationID, scope string) ([]Message, error)

	Close() error
}
