package flow

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"
)

// State is the per-call key/value store written by transition handlers.
// Keys must be declared up front and each can be written once; writing the
// same value again is a no-op.
//
// Handlers receive a staged view. Its writes become visible only when the
// engine commits them after the handler succeeds.
type State struct {
	mutex    sync.RWMutex
	declared []string
	values   map[string]any

	parent *State
}

func NewState(keys ...string) *State {
	return &State{
		declared: slices.Clone(keys),
		values:   make(map[string]any),
	}
}

func (s *State) root() *State {
	if s.parent != nil {
		return s.parent
	}
	return s
}

// Keys returns the declared keys in declaration order.
func (s *State) Keys() []string {
	return slices.Clone(s.root().declared)
}

func (s *State) Get(key string) (any, bool) {
	if s.parent != nil {
		s.mutex.RLock()
		v, ok := s.values[key]
		s.mutex.RUnlock()
		if ok {
			return v, true
		}
		return s.parent.Get(key)
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *State) Set(key string, value any) error {
	if !slices.Contains(s.root().declared, key) {
		return fmt.Errorf("%w: %q", ErrUndeclaredKey, key)
	}
	if current, ok := s.Get(key); ok {
		if reflect.DeepEqual(current, value) {
			return nil
		}
		return fmt.Errorf("%w: %q is %v", ErrKeyImmutable, key, current)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.values[key] = value
	return nil
}

// Snapshot copies the current values, including staged ones on a view.
func (s *State) Snapshot() map[string]any {
	out := make(map[string]any)
	if s.parent != nil {
		maps.Copy(out, s.parent.Snapshot())
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	maps.Copy(out, s.values)
	return out
}

func (s *State) stage() *State {
	return &State{values: make(map[string]any), parent: s}
}

func (s *State) commit(view *State) {
	view.mutex.RLock()
	defer view.mutex.RUnlock()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	maps.Copy(s.values, view.values)
}
