package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed         = errors.New("transport: closed")
	ErrSessionTimeout = errors.New("transport: no media before session timeout")
	// ErrMalformedStart ends a stream whose first message is not a start
	// message naming the call and stream.
	ErrMalformedStart = errors.New("transport: malformed stream start")
)

// Info identifies the telephony leg behind a transport.
type Info struct {
	CallID   string
	StreamID string
}

// Transport carries one call's audio. Audio delivers inbound PCM; writes
// take PCM and are encoded for the wire.
type Transport interface {
	// Run pumps inbound media until the connection ends or ctx is done.
	Run(ctx context.Context) error
	Audio() <-chan []byte
	WriteAudio(pcm []byte) error
	// ClearAudio discards audio buffered on the far end.
	ClearAudio() error
	Close() error
	Events() *EventBus
	Info() Info
}

type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventTimedOut
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventTimedOut:
		return "timed_out"
	}
	return "unknown"
}

type Event struct {
	Type EventType
	Info Info
	Err  error
}

// EventBus fans lifecycle events out to subscribers.
type EventBus struct {
	mutex  sync.Mutex
	subs   []chan Event
	closed bool
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe returns a channel receiving every event published after the
// call. It is closed when the bus closes.
func (b *EventBus) Subscribe() <-chan Event {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	ch := make(chan Event, 8)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish never blocks. Lifecycle events are rare, so a full subscriber
// buffer means the subscriber is gone.
func (b *EventBus) Publish(ev Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *EventBus) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
