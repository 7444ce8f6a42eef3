package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Bridge moves audio between an RTP media session and the pipeline. The
// reader yields mu-law payloads from the callee; PCM written to the bridge
// is encoded and sent back.
type Bridge struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	mutex    sync.Mutex
	stopChan chan struct{}
	stopped  bool
}

func NewBridge(reader io.Reader, writer io.Writer, logger *slog.Logger) *Bridge {
	return &Bridge{
		reader:   reader,
		writer:   writer,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Receive decodes inbound audio and passes it to emit until the stream
// ends, the bridge stops, or ctx is cancelled.
func (b *Bridge) Receive(ctx context.Context, emit func(pcm []byte)) error {
	buffer := make([]byte, 1024)
	packets := 0
	for {
		select {
		case <-b.stopChan:
			b.logger.Debug("Bridge receive stopped", "packets", packets)
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := b.reader.Read(buffer)
		if n > 0 {
			packets++
			emit(UlawToPCM(buffer[:n]))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil || b.Stopped() {
				b.logger.Debug("Bridge audio stream ended", "packets", packets)
				return nil
			}
			return fmt.Errorf("read rtp audio: %w", err)
		}
	}
}

// Send encodes PCM and writes it as one media frame.
func (b *Bridge) Send(pcm []byte) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.stopped {
		return io.ErrClosedPipe
	}
	if _, err := b.writer.Write(PCMToUlaw(pcm)); err != nil {
		return fmt.Errorf("write rtp audio: %w", err)
	}
	return nil
}

func (b *Bridge) Stop() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if !b.stopped {
		b.stopped = true
		close(b.stopChan)
	}
}

func (b *Bridge) Stopped() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.stopped
}
