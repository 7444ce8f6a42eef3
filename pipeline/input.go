package pipeline

import (
	"context"
	"io"
	"log/slog"

	"github.com/Reverse-Call-Center/callflow-agent/audio"
	"github.com/Reverse-Call-Center/callflow-agent/observability"
	"github.com/Reverse-Call-Center/callflow-agent/transport"
	"github.com/Reverse-Call-Center/callflow-agent/types"
)

// InputStage reads caller audio from the transport and runs voice activity
// detection on it. When the caller starts speaking over an active assistant
// turn it cancels the turn and emits FrameInterrupt.
type InputStage struct {
	transport transport.Transport
	vad       *audio.VAD
	tracker   *TurnTracker
	metrics   *observability.Metrics
	recorder  io.Writer
	logger    *slog.Logger
}

func NewInputStage(t transport.Transport, vad *audio.VAD, tracker *TurnTracker, metrics *observability.Metrics, recorder io.Writer, logger *slog.Logger) *InputStage {
	return &InputStage{
		transport: t,
		vad:       vad,
		tracker:   tracker,
		metrics:   metrics,
		recorder:  recorder,
		logger:    logger,
	}
}

func (s *InputStage) Name() string { return "input" }

func (s *InputStage) Run(ctx context.Context, in <-chan types.Frame, out chan<- types.Frame) error {
	media := s.transport.Audio()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-in:
			if err := send(ctx, out, f); err != nil {
				return err
			}
		case pcm, ok := <-media:
			if !ok {
				media = nil
				continue
			}
			if err := s.handleAudio(ctx, pcm, out); err != nil {
				return err
			}
		}
	}
}

func (s *InputStage) handleAudio(ctx context.Context, pcm []byte, out chan<- types.Frame) error {
	s.metrics.Audio("in", len(pcm))
	if s.recorder != nil {
		if _, err := s.recorder.Write(pcm); err != nil {
			s.logger.Warn("Recording write failed, disabling recording", "error", err)
			s.recorder = nil
		}
	}
	if err := send(ctx, out, types.Frame{Kind: types.FrameAudioIn, Audio: pcm}); err != nil {
		return err
	}

	switch s.vad.Process(pcm) {
	case audio.VADStarted:
		if n := s.tracker.Interrupt(); n > 0 {
			s.logger.Info("Caller interrupted assistant", "turns", n)
			s.metrics.Interrupted()
			if err := send(ctx, out, types.Frame{Kind: types.FrameInterrupt}); err != nil {
				return err
			}
		}
		return send(ctx, out, types.Frame{Kind: types.FrameUserStartedSpeaking})
	case audio.VADStopped:
		return send(ctx, out, types.Frame{Kind: types.FrameUserStoppedSpeaking})
	}
	return nil
}
