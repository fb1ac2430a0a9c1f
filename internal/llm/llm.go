// Package llm is the agent-completion collaborator: a request/response
// model for one conversational turn, a closed set of tool calls, and an
// OpenAI-compatible chat-completions client.
package llm

import "context"

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one prior message in the conversation.
type Turn struct {
	Role    string
	Content string
}

// Request is one completion call. When Call is set, the request continues
// a turn in which the model asked for Call and the tool produced Result.
type Request struct {
	System  string
	History []Turn
	Message string
	Tools   []Tool
	Call    *Invocation
	Result  string
}

// Completion is the model's answer: either Text or a tool Call.
type Completion struct {
	Text string
	Call *Invocation
}

// Invocation is a raw tool request from the model. Decode it with
// DecodeToolCall.
type Invocation struct {
	ID        string
	Name      string
	Arguments string // JSON object
}

// Completer produces completions.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}
