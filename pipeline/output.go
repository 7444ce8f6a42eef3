package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Reverse-Call-Center/callflow-agent/audio"
	"github.com/Reverse-Call-Center/callflow-agent/observability"
	"github.com/Reverse-Call-Center/callflow-agent/transport"
	"github.com/Reverse-Call-Center/callflow-agent/types"
)

// OutputStage plays synthesized audio to the caller in real time. Audio,
// turn ends and hangups are queued and handled in order by a playout
// goroutine; an interruption drops queued audio of cancelled turns and
// clears what the provider has buffered.
type OutputStage struct {
	transport transport.Transport
	tracker   *TurnTracker
	interval  time.Duration
	metrics   *observability.Metrics
	logger    *slog.Logger

	mutex sync.Mutex
	queue []types.Frame
	wake  chan struct{}
}

func NewOutputStage(t transport.Transport, tracker *TurnTracker, interval time.Duration, metrics *observability.Metrics, logger *slog.Logger) *OutputStage {
	return &OutputStage{
		transport: t,
		tracker:   tracker,
		interval:  interval,
		metrics:   metrics,
		logger:    logger,
		wake:      make(chan struct{}, 1),
	}
}

func (s *OutputStage) Name() string { return "output" }

func (s *OutputStage) Run(ctx context.Context, in <-chan types.Frame, out chan<- types.Frame) error {
	played := make(chan types.Frame, 16)
	playCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.playout(playCtx, played)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-played:
			if err := send(ctx, out, f); err != nil {
				return err
			}
		case f := <-in:
			switch f.Kind {
			case types.FrameAudioOut, types.FrameLLMTurnEnd, types.FrameEndCall:
				s.enqueue(f)
				continue
			case types.FrameInterrupt:
				s.interrupt()
			}
			if err := send(ctx, out, f); err != nil {
				return err
			}
		}
	}
}

func (s *OutputStage) enqueue(f types.Frame) {
	s.mutex.Lock()
	s.queue = append(s.queue, f)
	s.mutex.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *OutputStage) interrupt() {
	s.mutex.Lock()
	kept := s.queue[:0]
	dropped := 0
	for _, f := range s.queue {
		if f.Kind == types.FrameEndCall || s.tracker.Active(f.TurnID) {
			kept = append(kept, f)
			continue
		}
		dropped++
	}
	s.queue = kept
	s.mutex.Unlock()

	if err := s.transport.ClearAudio(); err != nil {
		s.logger.Warn("Failed to clear provider audio", "error", err)
	}
	s.logger.Debug("Output interrupted", "dropped", dropped)
}

func (s *OutputStage) next(ctx context.Context) (types.Frame, bool) {
	for {
		s.mutex.Lock()
		if len(s.queue) > 0 {
			f := s.queue[0]
			s.queue = s.queue[1:]
			s.mutex.Unlock()
			return f, true
		}
		s.mutex.Unlock()

		select {
		case <-ctx.Done():
			return types.Frame{}, false
		case <-s.wake:
		}
	}
}

func (s *OutputStage) playout(ctx context.Context, played chan<- types.Frame) {
	emit := func(f types.Frame) {
		select {
		case played <- f:
		case <-ctx.Done():
		}
	}

	for {
		f, ok := s.next(ctx)
		if !ok {
			return
		}
		switch f.Kind {
		case types.FrameAudioOut:
			s.play(ctx, f)
		case types.FrameLLMTurnEnd:
			if s.tracker.Finish(f.TurnID) {
				emit(types.Frame{Kind: types.FrameAssistantTurnDone, TurnID: f.TurnID})
			}
		case types.FrameEndCall:
			s.logger.Info("Hanging up after queued audio")
			if err := s.transport.Close(); err != nil {
				s.logger.Warn("Failed to close transport", "error", err)
			}
			emit(f)
		}
	}
}

func (s *OutputStage) play(ctx context.Context, f types.Frame) {
	written := 0
	err := audio.Play(ctx, f.Audio, s.interval, func(frame []byte) error {
		ran, err := s.tracker.Do(f.TurnID, func() error {
			return s.transport.WriteAudio(frame)
		})
		if !ran {
			return audio.ErrStopped
		}
		if err == nil {
			written += len(frame)
		}
		return err
	})
	s.metrics.Audio("out", written)
	if err != nil && !errors.Is(err, audio.ErrStopped) && ctx.Err() == nil {
		s.logger.Warn("Audio write failed", "turn", f.TurnID, "error", err)
	}
}
