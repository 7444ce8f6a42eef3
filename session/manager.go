package session

import (
	"sync"

	"github.com/Reverse-Call-Center/callflow-agent/types"
)

// Registry tracks the calls in flight, keyed by session id.
type Registry struct {
	calls map[string]*types.CallSession
	mutex sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*types.CallSession)}
}

func (r *Registry) RegisterCall(session *types.CallSession) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.calls[session.ID] = session
}

func (r *Registry) UnregisterCall(sessionID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.calls, sessionID)
}

func (r *Registry) Get(sessionID string) (*types.CallSession, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	s, ok := r.calls[sessionID]
	return s, ok
}

func (r *Registry) GetActiveCallCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.calls)
}

func (r *Registry) GetCallsInState(state types.CallState) []*types.CallSession {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var calls []*types.CallSession
	for _, call := range r.calls {
		if call.State() == state {
			calls = append(calls, call)
		}
	}
	return calls
}
