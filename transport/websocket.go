package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// WebsocketTransport serves a bidirectional Plivo audio stream.
type WebsocketTransport struct {
	conn        *websocket.Conn
	serializer  *PlivoSerializer
	logger      *slog.Logger
	idleTimeout time.Duration

	audio  chan []byte
	events *EventBus

	writeMutex sync.Mutex
	infoMutex  sync.RWMutex
	info       Info
	closeOnce  sync.Once
}

func NewWebsocketTransport(conn *websocket.Conn, idleTimeout time.Duration, logger *slog.Logger) *WebsocketTransport {
	return &WebsocketTransport{
		conn:        conn,
		serializer:  &PlivoSerializer{},
		logger:      logger,
		idleTimeout: idleTimeout,
		audio:       make(chan []byte, 64),
		events:      NewEventBus(),
	}
}

func (t *WebsocketTransport) Audio() <-chan []byte { return t.audio }

func (t *WebsocketTransport) Events() *EventBus { return t.events }

func (t *WebsocketTransport) Info() Info {
	t.infoMutex.RLock()
	defer t.infoMutex.RUnlock()
	return t.info
}

// Run reads stream messages until the socket closes. The first message
// must be a valid start, which publishes EventConnected; anything else
// ends the stream with ErrMalformedStart. A read that waits longer than the
// idle timeout publishes EventTimedOut and closes the socket.
func (t *WebsocketTransport) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()
	defer close(t.audio)
	defer t.events.Close()

	started := false
	for {
		if t.idleTimeout > 0 {
			t.conn.SetReadDeadline(time.Now().Add(t.idleTimeout))
		}
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			info := t.Info()
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.logger.Warn("Media stream idle, closing", "timeout", t.idleTimeout)
				t.events.Publish(Event{Type: EventTimedOut, Info: info, Err: ErrSessionTimeout})
				t.Close()
				t.events.Publish(Event{Type: EventDisconnected, Info: info, Err: ErrSessionTimeout})
				return ErrSessionTimeout
			}
			t.events.Publish(Event{Type: EventDisconnected, Info: info, Err: err})
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		in, err := t.serializer.Decode(data)
		if err == nil && !started && in.Kind != InboundStart {
			err = fmt.Errorf("%w: first message is %s", ErrMalformedStart, in.Kind)
		}
		if err != nil && (!started || errors.Is(err, ErrMalformedStart)) {
			if !errors.Is(err, ErrMalformedStart) {
				err = fmt.Errorf("%w: %v", ErrMalformedStart, err)
			}
			t.logger.Warn("Closing media stream", "error", err)
			t.events.Publish(Event{Type: EventDisconnected, Info: t.Info(), Err: err})
			t.Close()
			return err
		}
		if err != nil {
			t.logger.Warn("Dropping undecodable stream message", "error", err)
			continue
		}
		switch in.Kind {
		case InboundStart:
			started = true
			t.infoMutex.Lock()
			t.info = in.Info
			t.infoMutex.Unlock()
			t.writeMutex.Lock()
			t.serializer.StreamID = in.Info.StreamID
			t.writeMutex.Unlock()
			t.logger.Info("Media stream started", "call_uuid", in.Info.CallID, "stream_id", in.Info.StreamID)
			t.events.Publish(Event{Type: EventConnected, Info: in.Info})
		case InboundMedia:
			select {
			case t.audio <- in.Audio:
			case <-ctx.Done():
				return nil
			}
		case InboundDTMF:
			t.logger.Debug("Received DTMF digit", "digit", in.Digit)
		case InboundStop:
			t.logger.Info("Media stream stopped by provider")
			t.events.Publish(Event{Type: EventDisconnected, Info: t.Info()})
			t.Close()
			return nil
		}
	}
}

// send encodes and writes one message under the write lock, which also
// guards the serializer's stream id.
func (t *WebsocketTransport) send(encode func() ([]byte, error)) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()
	data, err := encode()
	if err != nil {
		return err
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebsocketTransport) WriteAudio(pcm []byte) error {
	return t.send(func() ([]byte, error) { return t.serializer.EncodeAudio(pcm) })
}

func (t *WebsocketTransport) ClearAudio() error {
	return t.send(t.serializer.EncodeClear)
}

func (t *WebsocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMutex.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMutex.Unlock()
		err = t.conn.Close()
	})
	return err
}
