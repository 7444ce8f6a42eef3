package types

import (
	"context"
	"sync"
	"time"
)

// CallSession tracks one outbound call from dial to hangup. ID is the
// correlation id carried through the answer URL; the telephony identifiers
// are filled in as the leg progresses.
type CallSession struct {
	ID        string
	Number    string
	StartTime time.Time
	Context   context.Context
	// Cancel ends the call; the cause is available through context.Cause.
	Cancel context.CancelCauseFunc

	mutex     sync.RWMutex
	state     CallState
	requestID string
	callUUID  string
	streamID  string
}

type CallState int

const (
	StateDialing CallState = iota
	StateConnected
	StateInConversation
	StateCompleted
	StateFailed
	StateHangup
)

func (s CallState) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateConnected:
		return "connected"
	case StateInConversation:
		return "in_conversation"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateHangup:
		return "hangup"
	}
	return "unknown"
}

func NewCallSession(parent context.Context, id, number string) *CallSession {
	ctx, cancel := context.WithCancelCause(parent)
	return &CallSession{
		ID:        id,
		Number:    number,
		StartTime: time.Now(),
		Context:   ctx,
		Cancel:    cancel,
		state:     StateDialing,
	}
}

func (s *CallSession) State() CallState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

func (s *CallSession) SetState(state CallState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.state = state
}

// SetRequestID records the id returned by the telephony provider when the
// dial request was queued.
func (s *CallSession) SetRequestID(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.requestID = id
}

// Attach records the call and stream ids announced by the media stream.
func (s *CallSession) Attach(callUUID, streamID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if callUUID != "" {
		s.callUUID = callUUID
	}
	if streamID != "" {
		s.streamID = streamID
	}
}

// Leg returns the provider identifiers known so far.
func (s *CallSession) Leg() (requestID, callUUID, streamID string) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.requestID, s.callUUID, s.streamID
}
