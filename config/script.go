package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/Reverse-Call-Center/callflow-agent/configs"
	"gopkg.in/yaml.v3"
)

// Script describes the conversation graph: the nodes, the functions the
// model may call on each, and the outcome keys recorded for a call.
type Script struct {
	Name       string     `yaml:"name"`
	Initial    string     `yaml:"initial"`
	ResultKeys []string   `yaml:"result_keys"`
	Nodes      []NodeSpec `yaml:"nodes"`
}

type NodeSpec struct {
	Name               string         `yaml:"name"`
	RoleMessages       []string       `yaml:"role_messages"`
	TaskMessages       []string       `yaml:"task_messages"`
	Functions          []FunctionSpec `yaml:"functions"`
	PreActions         []ActionSpec   `yaml:"pre_actions"`
	PostActions        []ActionSpec   `yaml:"post_actions"`
	RespondImmediately bool           `yaml:"respond_immediately"`
}

// FunctionSpec declares a transition function. Set maps state keys to
// argument names. Next names a fixed target node; NextExpr is evaluated
// over args and state and must yield a node name, or "" to stay.
type FunctionSpec struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Parameters  map[string]any    `yaml:"parameters"`
	Set         map[string]string `yaml:"set"`
	Next        string            `yaml:"next"`
	NextExpr    string            `yaml:"next_expr"`
}

type ActionSpec struct {
	Type    string `yaml:"type"`
	Text    string `yaml:"text"`
	Handler string `yaml:"handler"`
}

// LoadScript reads a script from path, or the bundled default when path
// is empty.
func LoadScript(path string) (*Script, error) {
	if path == "" {
		return ParseScript(configs.DefaultScript)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", path, err)
	}
	return ParseScript(data)
}

func ParseScript(data []byte) (*Script, error) {
	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	if script.Initial == "" {
		return nil, errors.New("script: initial node is required")
	}
	if len(script.Nodes) == 0 {
		return nil, errors.New("script: no nodes defined")
	}
	return &script, nil
}

func (s *Script) Node(name string) (NodeSpec, bool) {
	for _, n := range s.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeSpec{}, false
}
