package pipeline

import (
	"slices"
	"sync"

	"github.com/Reverse-Call-Center/callflow-agent/llm"
	"github.com/Reverse-Call-Center/callflow-agent/types"
)

// Conversation is the dialogue history shared by the aggregators, the
// generator and the result recorder.
type Conversation struct {
	mutex    sync.RWMutex
	messages []llm.Message
}

func NewConversation() *Conversation {
	return &Conversation{}
}

// AddUser appends user speech, merging into a directly preceding user
// message.
func (c *Conversation) AddUser(text string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if n := len(c.messages); n > 0 && c.messages[n-1].Role == llm.RoleUser {
		c.messages[n-1].Text += " " + text
		return
	}
	c.messages = append(c.messages, llm.Message{Role: llm.RoleUser, Text: text})
}

func (c *Conversation) AddAssistant(text string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.messages = append(c.messages, llm.Message{Role: llm.RoleAssistant, Text: text})
}

func (c *Conversation) AddCalls(calls []llm.FunctionCall) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.messages = append(c.messages, llm.Message{Role: llm.RoleAssistant, Calls: slices.Clone(calls)})
}

func (c *Conversation) AddResults(results []llm.FunctionResult) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.messages = append(c.messages, llm.Message{Role: llm.RoleTool, Results: slices.Clone(results)})
}

func (c *Conversation) Messages() []llm.Message {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return slices.Clone(c.messages)
}

// Transcript returns the spoken exchange in order, without function calls.
func (c *Conversation) Transcript() []types.Utterance {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	out := make([]types.Utterance, 0, len(c.messages))
	for _, m := range c.messages {
		if m.Text == "" {
			continue
		}
		switch m.Role {
		case llm.RoleUser:
			out = append(out, types.Utterance{Role: types.RoleUser, Content: m.Text})
		case llm.RoleAssistant:
			out = append(out, types.Utterance{Role: types.RoleAssistant, Content: m.Text})
		}
	}
	return out
}
