package pipeline

import (
	"context"
	"sync"
)

var canceledContext = func() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}()

type turn struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// TurnTracker owns the lifetime of assistant turns. A turn is active from
// Begin until its audio finishes playing or it is interrupted. Interrupting
// cancels the turn's context, which aborts generation and synthesis.
type TurnTracker struct {
	mutex  sync.Mutex
	nextID uint64
	active map[uint64]turn
}

func NewTurnTracker() *TurnTracker {
	return &TurnTracker{active: make(map[uint64]turn)}
}

func (t *TurnTracker) Begin(parent context.Context) (uint64, context.Context) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.nextID++
	ctx, cancel := context.WithCancel(parent)
	t.active[t.nextID] = turn{ctx: ctx, cancel: cancel}
	return t.nextID, ctx
}

// Interrupt cancels every active turn and returns how many there were.
func (t *TurnTracker) Interrupt() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	n := len(t.active)
	for id, tr := range t.active {
		tr.cancel()
		delete(t.active, id)
	}
	return n
}

func (t *TurnTracker) Active(id uint64) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	_, ok := t.active[id]
	return ok
}

func (t *TurnTracker) ActiveCount() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.active)
}

// Context returns the turn's context, or a cancelled one if the turn is
// no longer active.
func (t *TurnTracker) Context(id uint64) context.Context {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if tr, ok := t.active[id]; ok {
		return tr.ctx
	}
	return canceledContext
}

// Do runs fn while holding the tracker lock if the turn is still active,
// so an interruption cannot land in the middle of fn.
func (t *TurnTracker) Do(id uint64, fn func() error) (bool, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if _, ok := t.active[id]; !ok {
		return false, nil
	}
	return true, fn()
}

// Finish ends a turn that played to completion. It reports false if the
// turn was interrupted first.
func (t *TurnTracker) Finish(id uint64) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	tr, ok := t.active[id]
	if !ok {
		return false
	}
	tr.cancel()
	delete(t.active, id)
	return true
}
