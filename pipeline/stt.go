package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Reverse-Call-Center/callflow-agent/observability"
	"github.com/Reverse-Call-Center/callflow-agent/stt"
	"github.com/Reverse-Call-Center/callflow-agent/types"
)

var errRecognitionClosed = errors.New("recognition stream closed")

// STTStage streams caller audio to the recognizer and emits its results as
// FrameTranscript. Audio frames are consumed here and not passed on.
type STTStage struct {
	service stt.Service
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewSTTStage(service stt.Service, metrics *observability.Metrics, logger *slog.Logger) *STTStage {
	return &STTStage{service: service, metrics: metrics, logger: logger}
}

func (s *STTStage) Name() string { return "stt" }

func (s *STTStage) Run(ctx context.Context, in <-chan types.Frame, out chan<- types.Frame) error {
	stream, err := s.service.Open(ctx)
	if err != nil {
		s.metrics.ServiceError("stt")
		return fmt.Errorf("open recognition stream: %w", err)
	}
	defer stream.Close()

	results := stream.Results()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-in:
			if f.Kind != types.FrameAudioIn {
				if err := send(ctx, out, f); err != nil {
					return err
				}
				continue
			}
			if err := stream.SendAudio(f.Audio); err != nil {
				s.metrics.ServiceError("stt")
				return fmt.Errorf("send audio to recognizer: %w", err)
			}
		case r, ok := <-results:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				s.metrics.ServiceError("stt")
				if err := stream.Err(); err != nil {
					return fmt.Errorf("recognition stream: %w", err)
				}
				return errRecognitionClosed
			}
			text := strings.TrimSpace(r.Text)
			if text == "" {
				continue
			}
			s.logger.Debug("Transcript", "text", text, "final", r.Final)
			if err := send(ctx, out, types.Frame{Kind: types.FrameTranscript, Text: text, Final: r.Final}); err != nil {
				return err
			}
		}
	}
}
