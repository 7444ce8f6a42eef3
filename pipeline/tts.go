package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/Reverse-Call-Center/callflow-agent/observability"
	"github.com/Reverse-Call-Center/callflow-agent/tts"
	"github.com/Reverse-Call-Center/callflow-agent/types"
)

// TTSStage turns streamed assistant text into audio one sentence at a time,
// so playback can start before the model has finished the turn.
type TTSStage struct {
	service tts.Service
	tracker *TurnTracker
	metrics *observability.Metrics
	logger  *slog.Logger

	buffers map[uint64]*strings.Builder
}

func NewTTSStage(service tts.Service, tracker *TurnTracker, metrics *observability.Metrics, logger *slog.Logger) *TTSStage {
	return &TTSStage{
		service: service,
		tracker: tracker,
		metrics: metrics,
		logger:  logger,
		buffers: make(map[uint64]*strings.Builder),
	}
}

func (s *TTSStage) Name() string { return "tts" }

func (s *TTSStage) Run(ctx context.Context, in <-chan types.Frame, out chan<- types.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-in:
			if err := s.handle(ctx, f, out); err != nil {
				return err
			}
		}
	}
}

func (s *TTSStage) handle(ctx context.Context, f types.Frame, out chan<- types.Frame) error {
	switch f.Kind {
	case types.FrameLLMText:
		if !s.tracker.Active(f.TurnID) {
			delete(s.buffers, f.TurnID)
			return nil
		}
		buf := s.buffer(f.TurnID)
		buf.WriteString(f.Text)
		sentences, rest := splitSentences(buf.String())
		buf.Reset()
		buf.WriteString(rest)
		for _, sentence := range sentences {
			if err := s.speak(ctx, f.TurnID, sentence, out); err != nil {
				return err
			}
		}
		return nil
	case types.FrameSpeak:
		if err := s.flush(ctx, f.TurnID, out); err != nil {
			return err
		}
		return s.speak(ctx, f.TurnID, f.Text, out)
	case types.FrameLLMTurnEnd:
		if err := s.flush(ctx, f.TurnID, out); err != nil {
			return err
		}
		delete(s.buffers, f.TurnID)
	case types.FrameInterrupt:
		clear(s.buffers)
	}
	return send(ctx, out, f)
}

func (s *TTSStage) buffer(turn uint64) *strings.Builder {
	buf, ok := s.buffers[turn]
	if !ok {
		buf = &strings.Builder{}
		s.buffers[turn] = buf
	}
	return buf
}

func (s *TTSStage) flush(ctx context.Context, turn uint64, out chan<- types.Frame) error {
	buf, ok := s.buffers[turn]
	if !ok {
		return nil
	}
	text := buf.String()
	buf.Reset()
	return s.speak(ctx, turn, text, out)
}

// speak synthesizes text for a turn. Synthesis errors are logged and the
// sentence is skipped; the call carries on.
func (s *TTSStage) speak(ctx context.Context, turn uint64, text string, out chan<- types.Frame) error {
	text = strings.TrimSpace(text)
	if text == "" || !s.tracker.Active(turn) {
		return nil
	}
	if err := send(ctx, out, types.Frame{Kind: types.FrameTTSText, Text: text, TurnID: turn}); err != nil {
		return err
	}

	turnCtx := s.tracker.Context(turn)
	var sendErr error
	err := s.service.Synthesize(turnCtx, text, func(pcm []byte) error {
		sendErr = send(ctx, out, types.Frame{Kind: types.FrameAudioOut, Audio: pcm, TurnID: turn})
		return sendErr
	})
	if sendErr != nil {
		return sendErr
	}
	if err != nil && turnCtx.Err() == nil {
		s.metrics.ServiceError("tts")
		s.logger.Error("Speech synthesis failed", "turn", turn, "error", err)
	}
	return nil
}

// splitSentences returns the complete sentences in text and the unfinished
// remainder.
func splitSentences(text string) ([]string, string) {
	var sentences []string
	start := 0
	for i, r := range text {
		switch r {
		case '.', '!', '?', '।':
			end := i + len(string(r))
			if s := strings.TrimSpace(text[start:end]); s != "" {
				sentences = append(sentences, s)
			}
			start = end
		}
	}
	return sentences, text[start:]
}
