// Package pipeline connects the per-call processing stages. Frames flow
// from the transport input through recognition, generation and synthesis
// back to the transport output, each stage on its own goroutine.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Reverse-Call-Center/callflow-agent/types"
	"golang.org/x/sync/errgroup"
)

// Stage processes frames from in and writes to out. It returns when ctx is
// done; a non-nil error returned before that aborts the whole pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context, in <-chan types.Frame, out chan<- types.Frame) error
}

type Pipeline struct {
	stages []Stage
	head   chan types.Frame
	buffer int
	logger *slog.Logger
}

func New(logger *slog.Logger, buffer int, stages ...Stage) *Pipeline {
	if buffer <= 0 {
		buffer = 64
	}
	return &Pipeline{
		stages: stages,
		head:   make(chan types.Frame, buffer),
		buffer: buffer,
		logger: logger,
	}
}

// Queue injects a frame at the head of the pipeline.
func (p *Pipeline) Queue(ctx context.Context, f types.Frame) error {
	return send(ctx, p.head, f)
}

// Run starts every stage and blocks until all have returned. Frames leaving
// the last stage are discarded.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	in := (<-chan types.Frame)(p.head)
	for _, stage := range p.stages {
		out := make(chan types.Frame, p.buffer)
		stage, stageIn := stage, in
		g.Go(func() error {
			if err := stage.Run(ctx, stageIn, out); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Error("Pipeline stage failed", "stage", stage.Name(), "error", err)
				return fmt.Errorf("%s: %w", stage.Name(), err)
			}
			return nil
		})
		in = out
	}

	tail := in
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tail:
			}
		}
	})
	return g.Wait()
}

func send(ctx context.Context, out chan<- types.Frame, f types.Frame) error {
	select {
	case out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
