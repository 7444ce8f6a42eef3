package llm

import "context"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool carries function results back to the model.
	RoleTool Role = "tool"
)

type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

type FunctionResult struct {
	ID       string
	Name     string
	Response map[string]any
}

// Message is one entry of the conversation sent to the model. Assistant
// messages may carry function calls; tool messages carry their results.
type Message struct {
	Role    Role
	Text    string
	Calls   []FunctionCall
	Results []FunctionResult
}

type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type Request struct {
	System      string
	Messages    []Message
	Tools       []Tool
	Temperature *float32
}

type Response struct {
	Text  string
	Calls []FunctionCall
}

// Service generates the next assistant message. onText receives text as it
// streams; the returned Response holds the full text and any function calls.
type Service interface {
	Generate(ctx context.Context, req Request, onText func(text string)) (*Response, error)
}
