package flow

import (
	"context"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type ActionType string

const (
	ActionTTSSay          ActionType = "tts_say"
	ActionEndConversation ActionType = "end_conversation"
	ActionFunction        ActionType = "function"
)

// ActionFunc runs as part of entering or leaving a node.
type ActionFunc func(ctx context.Context, st *State) error

type Action struct {
	Type    ActionType
	Text    string
	Name    string
	Handler ActionFunc
}

type Args map[string]any

// Handler implements a transition function. It may write to st and returns
// a result for the model plus the next node, or nil to stay.
type Handler func(ctx context.Context, st *State, args Args) (any, *Node, error)

type Function struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler

	schema *jsonschema.Schema
}

// Node is one phase of the conversation. Nodes are built fresh each time
// the engine enters them and are not modified afterwards.
type Node struct {
	Name               string
	RoleMessages       []string
	TaskMessages       []string
	Functions          []*Function
	PreActions         []Action
	PostActions        []Action
	RespondImmediately bool
}

func (n *Node) Function(name string) (*Function, bool) {
	for _, fn := range n.Functions {
		if fn.Name == name {
			return fn, true
		}
	}
	return nil, false
}

// Terminal nodes declare no functions; the conversation ends after their
// assistant turn.
func (n *Node) Terminal() bool {
	return len(n.Functions) == 0
}
