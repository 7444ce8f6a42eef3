package types

import (
	"bytes"
	"encoding/json"
	"sort"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Utterance struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type CallStatus string

const (
	StatusCompleted CallStatus = "completed"
	StatusFailed    CallStatus = "failed"
)

// CallResult is the outcome handed back to the dialing request. Keys lists
// the outcome flags the script declares so unset ones still render as null.
type CallResult struct {
	CallID       string
	Keys         []string
	Outcome      map[string]any
	Conversation []Utterance
	Status       CallStatus
	Error        string
}

func (r CallResult) Completed() bool {
	return r.Status == StatusCompleted
}

// MarshalJSON renders the outcome flags as top level fields followed by the
// conversation, matching the body returned by the dial endpoint.
func (r CallResult) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	field := func(name string, value any) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, err := json.Marshal(name)
		if err != nil {
			return err
		}
		v, err := json.Marshal(value)
		if err != nil {
			return err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
		return nil
	}

	seen := make(map[string]bool, len(r.Keys))
	for _, key := range r.Keys {
		seen[key] = true
		if err := field(key, r.Outcome[key]); err != nil {
			return nil, err
		}
	}
	extra := make([]string, 0, len(r.Outcome))
	for key := range r.Outcome {
		if !seen[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		if err := field(key, r.Outcome[key]); err != nil {
			return nil, err
		}
	}

	conversation := r.Conversation
	if conversation == nil {
		conversation = []Utterance{}
	}
	if err := field("conversation", conversation); err != nil {
		return nil, err
	}
	if r.Status == StatusFailed {
		if err := field("status", r.Status); err != nil {
			return nil, err
		}
		if err := field("error", r.Error); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
