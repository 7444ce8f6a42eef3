package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/Reverse-Call-Center/callflow-agent/types"
)

// UserAggregator collects final transcripts into one user message and asks
// for a response once the caller has finished speaking.
type UserAggregator struct {
	conversation *Conversation
	logger       *slog.Logger

	speaking bool
	parts    []string
}

func NewUserAggregator(conversation *Conversation, logger *slog.Logger) *UserAggregator {
	return &UserAggregator{conversation: conversation, logger: logger}
}

func (a *UserAggregator) Name() string { return "user_aggregator" }

func (a *UserAggregator) Run(ctx context.Context, in <-chan types.Frame, out chan<- types.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-in:
			if err := a.handle(ctx, f, out); err != nil {
				return err
			}
		}
	}
}

func (a *UserAggregator) handle(ctx context.Context, f types.Frame, out chan<- types.Frame) error {
	switch f.Kind {
	case types.FrameUserStartedSpeaking:
		a.speaking = true
	case types.FrameUserStoppedSpeaking:
		a.speaking = false
		if err := send(ctx, out, f); err != nil {
			return err
		}
		return a.commit(ctx, out)
	case types.FrameTranscript:
		if !f.Final {
			return nil
		}
		a.parts = append(a.parts, f.Text)
		// Recognizers can finalize after the VAD has already reported
		// silence; such a transcript is a complete utterance on its own.
		if !a.speaking {
			return a.commit(ctx, out)
		}
		return nil
	}
	return send(ctx, out, f)
}

func (a *UserAggregator) commit(ctx context.Context, out chan<- types.Frame) error {
	if len(a.parts) == 0 {
		return nil
	}
	text := strings.Join(a.parts, " ")
	a.parts = a.parts[:0]
	a.conversation.AddUser(text)
	a.logger.Info("Caller said", "text", text)
	return send(ctx, out, types.Frame{Kind: types.FrameLLMRun})
}

// AssistantAggregator records what the assistant actually said. Text is
// added to the conversation only once its turn has played out; text from an
// interrupted turn is discarded.
type AssistantAggregator struct {
	conversation *Conversation
	notify       func(ctx context.Context, turn uint64)
	logger       *slog.Logger

	pending map[uint64][]string
}

func NewAssistantAggregator(conversation *Conversation, notify func(ctx context.Context, turn uint64), logger *slog.Logger) *AssistantAggregator {
	return &AssistantAggregator{
		conversation: conversation,
		notify:       notify,
		logger:       logger,
		pending:      make(map[uint64][]string),
	}
}

func (a *AssistantAggregator) Name() string { return "assistant_aggregator" }

func (a *AssistantAggregator) Run(ctx context.Context, in <-chan types.Frame, out chan<- types.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-in:
			switch f.Kind {
			case types.FrameTTSText:
				a.pending[f.TurnID] = append(a.pending[f.TurnID], f.Text)
			case types.FrameAssistantTurnDone:
				if parts := a.pending[f.TurnID]; len(parts) > 0 {
					text := strings.Join(parts, " ")
					a.conversation.AddAssistant(text)
					a.logger.Info("Assistant said", "text", text)
				}
				delete(a.pending, f.TurnID)
				if a.notify != nil {
					a.notify(ctx, f.TurnID)
				}
			case types.FrameInterrupt:
				clear(a.pending)
			}
			if err := send(ctx, out, f); err != nil {
				return err
			}
		}
	}
}
