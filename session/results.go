package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Reverse-Call-Center/callflow-agent/types"
)

var (
	ErrAlreadyCompleted = errors.New("session: result already completed")
	ErrUnknownSession   = errors.New("session: no result slot for session")
	ErrSlotExists       = errors.New("session: result slot already open")
)

type slot struct {
	done   chan struct{}
	result types.CallResult
}

// ResultStore hands each call's result from the bot to the caller waiting
// on the dial. Every slot is completed exactly once.
type ResultStore struct {
	mutex sync.Mutex
	slots map[string]*slot
}

func NewResultStore() *ResultStore {
	return &ResultStore{slots: make(map[string]*slot)}
}

// Open creates the slot for a session. It must be called before the call
// can complete.
func (s *ResultStore) Open(sessionID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.slots[sessionID]; ok {
		return fmt.Errorf("%w: %s", ErrSlotExists, sessionID)
	}
	s.slots[sessionID] = &slot{done: make(chan struct{})}
	return nil
}

// Complete stores a finished result.
func (s *ResultStore) Complete(sessionID string, result types.CallResult) error {
	if result.Status == "" {
		result.Status = types.StatusCompleted
	}
	return s.finish(sessionID, result)
}

// Fail stores a failed result carrying whatever partial outcome is known.
func (s *ResultStore) Fail(sessionID string, partial types.CallResult, cause error) error {
	partial.Status = types.StatusFailed
	if cause != nil {
		partial.Error = cause.Error()
	}
	return s.finish(sessionID, partial)
}

func (s *ResultStore) finish(sessionID string, result types.CallResult) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	sl, ok := s.slots[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	select {
	case <-sl.done:
		return fmt.Errorf("%w: %s", ErrAlreadyCompleted, sessionID)
	default:
	}
	result.CallID = sessionID
	sl.result = result
	close(sl.done)
	return nil
}

// Await blocks until the session's result is available or ctx ends. A
// result completed before Await is called is returned immediately.
func (s *ResultStore) Await(ctx context.Context, sessionID string) (types.CallResult, error) {
	s.mutex.Lock()
	sl, ok := s.slots[sessionID]
	s.mutex.Unlock()
	if !ok {
		return types.CallResult{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	select {
	case <-sl.done:
		s.mutex.Lock()
		defer s.mutex.Unlock()
		return sl.result, nil
	case <-ctx.Done():
		return types.CallResult{}, ctx.Err()
	}
}

// Done reports whether the session's slot has been completed.
func (s *ResultStore) Done(sessionID string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	sl, ok := s.slots[sessionID]
	if !ok {
		return false
	}
	select {
	case <-sl.done:
		return true
	default:
		return false
	}
}

// Release drops the slot once its result has been consumed.
func (s *ResultStore) Release(sessionID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.slots, sessionID)
}
