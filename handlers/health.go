package handlers

import (
	"net/http"

	"github.com/Reverse-Call-Center/callflow-agent/session"
	"github.com/Reverse-Call-Center/callflow-agent/types"
)

// AgentCounter is implemented by stream servers that track attached bots.
type AgentCounter interface {
	GetActiveAgentCount() int
}

type HealthHandler struct {
	Sessions *session.Registry
	Agents   AgentCounter
}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "active_calls": 0}
	if h.Sessions != nil {
		body["active_calls"] = h.Sessions.GetActiveCallCount()
		body["dialing"] = len(h.Sessions.GetCallsInState(types.StateDialing))
		body["in_conversation"] = len(h.Sessions.GetCallsInState(types.StateInConversation))
	}
	if h.Agents != nil {
		body["agents"] = h.Agents.GetActiveAgentCount()
	}
	writeJSON(w, http.StatusOK, body)
}
