package flow

import (
	"context"
	"fmt"
	"reflect"
	"slices"

	"github.com/Reverse-Call-Center/callflow-agent/config"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ActionRegistry maps handler names used by "function" actions in a
// script to their implementations.
type ActionRegistry map[string]ActionFunc

// Graph is a compiled script. It builds fresh Node values on demand and is
// safe to share between calls.
type Graph struct {
	name    string
	initial string
	keys    []string
	specs   map[string]config.NodeSpec
	actions ActionRegistry

	schemas map[string]*jsonschema.Schema
	exprs   map[string]*vm.Program
}

func exprEnv() map[string]any {
	return map[string]any{
		"args":  map[string]any{},
		"state": map[string]any{},
	}
}

// Compile checks the script for dangling references and precompiles the
// argument schemas and branch expressions.
func Compile(script *config.Script, actions ActionRegistry) (*Graph, error) {
	g := &Graph{
		name:    script.Name,
		initial: script.Initial,
		keys:    slices.Clone(script.ResultKeys),
		specs:   make(map[string]config.NodeSpec, len(script.Nodes)),
		actions: actions,
		schemas: make(map[string]*jsonschema.Schema),
		exprs:   make(map[string]*vm.Program),
	}

	for _, spec := range script.Nodes {
		if spec.Name == "" {
			return nil, fmt.Errorf("script %s: node without a name", script.Name)
		}
		if _, dup := g.specs[spec.Name]; dup {
			return nil, fmt.Errorf("script %s: duplicate node %q", script.Name, spec.Name)
		}
		g.specs[spec.Name] = spec
	}
	if _, ok := g.specs[g.initial]; !ok {
		return nil, fmt.Errorf("%w: initial node %q", ErrUnknownNode, g.initial)
	}

	terminal := false
	for _, spec := range script.Nodes {
		if len(spec.Functions) == 0 {
			terminal = true
		}
		if err := g.checkActions(spec.Name, spec.PreActions); err != nil {
			return nil, err
		}
		if err := g.checkActions(spec.Name, spec.PostActions); err != nil {
			return nil, err
		}
		seen := make(map[string]bool)
		for _, fs := range spec.Functions {
			if seen[fs.Name] {
				return nil, fmt.Errorf("node %s: duplicate function %q", spec.Name, fs.Name)
			}
			seen[fs.Name] = true
			if err := g.compileFunction(spec.Name, fs); err != nil {
				return nil, err
			}
		}
	}
	if !terminal {
		return nil, fmt.Errorf("script %s: no terminal node", script.Name)
	}
	return g, nil
}

func (g *Graph) checkActions(node string, actions []config.ActionSpec) error {
	for _, a := range actions {
		switch ActionType(a.Type) {
		case ActionTTSSay:
			if a.Text == "" {
				return fmt.Errorf("node %s: tts_say without text", node)
			}
		case ActionEndConversation:
		case ActionFunction:
			if _, ok := g.actions[a.Handler]; !ok {
				return fmt.Errorf("node %s: unknown action handler %q", node, a.Handler)
			}
		default:
			return fmt.Errorf("node %s: unknown action type %q", node, a.Type)
		}
	}
	return nil
}

func (g *Graph) compileFunction(node string, fs config.FunctionSpec) error {
	if fs.Name == "" {
		return fmt.Errorf("node %s: function without a name", node)
	}
	if fs.Next != "" && fs.NextExpr != "" {
		return fmt.Errorf("node %s: function %s sets both next and next_expr", node, fs.Name)
	}
	if fs.Next != "" {
		if _, ok := g.specs[fs.Next]; !ok {
			return fmt.Errorf("%w: %s.%s targets %q", ErrUnknownNode, node, fs.Name, fs.Next)
		}
	}
	for key := range fs.Set {
		if !slices.Contains(g.keys, key) {
			return fmt.Errorf("%w: %s.%s sets %q", ErrUndeclaredKey, node, fs.Name, key)
		}
	}

	schema, err := compileSchema(node, fs.Name, fs.Parameters)
	if err != nil {
		return fmt.Errorf("node %s: %w", node, err)
	}
	g.schemas[node+"/"+fs.Name] = schema

	if fs.NextExpr != "" {
		prg, err := expr.Compile(fs.NextExpr, expr.Env(exprEnv()), expr.AsKind(reflect.String))
		if err != nil {
			return fmt.Errorf("node %s: next_expr for %s: %w", node, fs.Name, err)
		}
		g.exprs[node+"/"+fs.Name] = prg
	}
	return nil
}

func (g *Graph) Name() string { return g.name }

// Keys returns the outcome keys declared by the script.
func (g *Graph) Keys() []string { return slices.Clone(g.keys) }

func (g *Graph) NewState() *State { return NewState(g.keys...) }

func (g *Graph) Initial() *Node {
	n, _ := g.Node(g.initial)
	return n
}

// Node builds a fresh node by name.
func (g *Graph) Node(name string) (*Node, error) {
	spec, ok := g.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, name)
	}
	node := &Node{
		Name:               spec.Name,
		RoleMessages:       slices.Clone(spec.RoleMessages),
		TaskMessages:       slices.Clone(spec.TaskMessages),
		PreActions:         g.buildActions(spec.PreActions),
		PostActions:        g.buildActions(spec.PostActions),
		RespondImmediately: spec.RespondImmediately,
	}
	for _, fs := range spec.Functions {
		key := spec.Name + "/" + fs.Name
		node.Functions = append(node.Functions, &Function{
			Name:        fs.Name,
			Description: fs.Description,
			Parameters:  fs.Parameters,
			Handler:     g.handler(fs, g.exprs[key]),
			schema:      g.schemas[key],
		})
	}
	return node, nil
}

func (g *Graph) buildActions(specs []config.ActionSpec) []Action {
	actions := make([]Action, 0, len(specs))
	for _, a := range specs {
		actions = append(actions, Action{
			Type:    ActionType(a.Type),
			Text:    a.Text,
			Name:    a.Handler,
			Handler: g.actions[a.Handler],
		})
	}
	return actions
}

func (g *Graph) handler(fs config.FunctionSpec, prg *vm.Program) Handler {
	return func(ctx context.Context, st *State, args Args) (any, *Node, error) {
		recorded := make(map[string]any, len(fs.Set))
		for key, arg := range fs.Set {
			v, ok := args[arg]
			if !ok {
				continue
			}
			if err := st.Set(key, v); err != nil {
				return nil, nil, err
			}
			recorded[key] = v
		}

		target := fs.Next
		if prg != nil {
			out, err := expr.Run(prg, map[string]any{
				"args":  map[string]any(args),
				"state": st.Snapshot(),
			})
			if err != nil {
				return nil, nil, fmt.Errorf("evaluate next_expr: %w", err)
			}
			target, _ = out.(string)
		}

		result := map[string]any{"status": "ok"}
		if len(recorded) > 0 {
			result["recorded"] = recorded
		}
		if target == "" {
			return result, nil, nil
		}
		next, err := g.Node(target)
		if err != nil {
			return nil, nil, err
		}
		return result, next, nil
	}
}
