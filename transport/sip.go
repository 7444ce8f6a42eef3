package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Reverse-Call-Center/callflow-agent/audio"
)

// SIPTransport runs a call over an answered SIP dialog. Audio is exchanged
// as RTP through an audio.Bridge; there is no far end buffer to clear.
type SIPTransport struct {
	bridge      *audio.Bridge
	hangup      func(ctx context.Context) error
	info        Info
	logger      *slog.Logger
	idleTimeout time.Duration

	audio        chan []byte
	events       *EventBus
	lastActivity atomic.Int64
	closeOnce    sync.Once
}

func NewSIPTransport(reader io.Reader, writer io.Writer, hangup func(ctx context.Context) error, info Info, idleTimeout time.Duration, logger *slog.Logger) *SIPTransport {
	return &SIPTransport{
		bridge:      audio.NewBridge(reader, writer, logger),
		hangup:      hangup,
		info:        info,
		logger:      logger,
		idleTimeout: idleTimeout,
		audio:       make(chan []byte, 64),
		events:      NewEventBus(),
	}
}

func (t *SIPTransport) Audio() <-chan []byte { return t.audio }

func (t *SIPTransport) Events() *EventBus { return t.events }

func (t *SIPTransport) Info() Info { return t.info }

// Run publishes EventConnected straight away since the dialog is already
// answered, then forwards RTP audio until the dialog ends.
func (t *SIPTransport) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(t.audio)
	defer t.events.Close()

	t.lastActivity.Store(time.Now().UnixNano())
	t.events.Publish(Event{Type: EventConnected, Info: t.info})

	timedOut := make(chan struct{})
	if t.idleTimeout > 0 {
		go t.watchIdle(ctx, timedOut)
	}

	err := t.bridge.Receive(ctx, func(pcm []byte) {
		t.lastActivity.Store(time.Now().UnixNano())
		select {
		case t.audio <- pcm:
		case <-ctx.Done():
		}
	})

	select {
	case <-timedOut:
		t.events.Publish(Event{Type: EventDisconnected, Info: t.info, Err: ErrSessionTimeout})
		return ErrSessionTimeout
	default:
	}
	t.events.Publish(Event{Type: EventDisconnected, Info: t.info, Err: err})
	t.Close()
	return err
}

func (t *SIPTransport) watchIdle(ctx context.Context, timedOut chan<- struct{}) {
	ticker := time.NewTicker(t.idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, t.lastActivity.Load())
			if time.Since(last) >= t.idleTimeout {
				t.logger.Warn("RTP stream idle, hanging up", "timeout", t.idleTimeout)
				close(timedOut)
				t.events.Publish(Event{Type: EventTimedOut, Info: t.info, Err: ErrSessionTimeout})
				t.Close()
				return
			}
		}
	}
}

func (t *SIPTransport) WriteAudio(pcm []byte) error {
	return t.bridge.Send(pcm)
}

func (t *SIPTransport) ClearAudio() error { return nil }

func (t *SIPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.bridge.Stop()
		if t.hangup != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = t.hangup(ctx)
		}
	})
	return err
}
