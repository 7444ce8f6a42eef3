package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Reverse-Call-Center/callflow-agent/flow"
	"github.com/Reverse-Call-Center/callflow-agent/llm"
	"github.com/Reverse-Call-Center/callflow-agent/observability"
	"github.com/Reverse-Call-Center/callflow-agent/types"
)

// ErrLLMUnavailable is returned once generation has failed too many times in
// a row to keep the call going.
var ErrLLMUnavailable = errors.New("llm unavailable")

type GeneratorOptions struct {
	Temperature *float32
	// MaxFailures is the number of consecutive generation errors after which
	// the call is abandoned.
	MaxFailures int
	// FunctionRounds bounds how many times one turn may go back to the model
	// with function results.
	FunctionRounds int
}

// Generator produces assistant turns. It drives the flow engine: function
// calls from the model are dispatched to the engine, and the engine's
// node changes reshape the instructions and tools the model sees next.
//
// All engine calls happen on the generator goroutine, so the Driver
// methods never race with turn generation.
type Generator struct {
	callID       string
	service      llm.Service
	conversation *Conversation
	tracker      *TurnTracker
	metrics      *observability.Metrics
	logger       *slog.Logger
	options      GeneratorOptions

	engine *flow.Engine
	start  *flow.Node
	done   chan uint64

	persona  []string
	task     []string
	tools    []llm.Tool
	failures int

	// Set while a turn is being generated so that Say joins it.
	turn uint64
	out  chan<- types.Frame
	ctx  context.Context
}

func NewGenerator(callID string, service llm.Service, conversation *Conversation, tracker *TurnTracker, metrics *observability.Metrics, logger *slog.Logger, options GeneratorOptions) *Generator {
	if options.MaxFailures <= 0 {
		options.MaxFailures = 3
	}
	if options.FunctionRounds <= 0 {
		options.FunctionRounds = 4
	}
	return &Generator{
		callID:       callID,
		service:      service,
		conversation: conversation,
		tracker:      tracker,
		metrics:      metrics,
		logger:       logger,
		options:      options,
		done:         make(chan uint64, 16),
	}
}

// Bind sets the engine this generator drives and the node it starts at.
// The engine must have been created with the generator as its Driver.
func (g *Generator) Bind(engine *flow.Engine, start *flow.Node) {
	g.engine = engine
	g.start = start
}

// TurnDone reports that a turn finished playing. It is called from the
// assistant aggregator.
func (g *Generator) TurnDone(ctx context.Context, turn uint64) {
	select {
	case g.done <- turn:
	case <-ctx.Done():
	}
}

func (g *Generator) Name() string { return "generator" }

func (g *Generator) Run(ctx context.Context, in <-chan types.Frame, out chan<- types.Frame) error {
	if g.engine == nil {
		return errors.New("generator has no flow engine")
	}
	g.out = out
	g.ctx = ctx

	for {
		select {
		case <-ctx.Done():
			return nil
		case turn := <-g.done:
			g.logger.Debug("Assistant turn played", "turn", turn)
			if err := g.engine.CompleteTurn(ctx); err != nil {
				return err
			}
		case f := <-in:
			if err := g.handle(ctx, f, out); err != nil {
				return err
			}
		}
	}
}

func (g *Generator) handle(ctx context.Context, f types.Frame, out chan<- types.Frame) error {
	switch f.Kind {
	case types.FrameStart:
		if err := g.engine.Initialize(ctx, g.start); err != nil {
			return err
		}
		if g.engine.Current().RespondImmediately {
			return g.runTurn(ctx, out)
		}
		return nil
	case types.FrameLLMRun:
		if g.engine.Terminated() {
			g.logger.Debug("Ignoring caller input after flow finished")
			return nil
		}
		if n := g.tracker.Interrupt(); n > 0 {
			g.metrics.Interrupted()
			if err := send(ctx, out, types.Frame{Kind: types.FrameInterrupt}); err != nil {
				return err
			}
		}
		return g.runTurn(ctx, out)
	}
	return send(ctx, out, f)
}

func (g *Generator) runTurn(ctx context.Context, out chan<- types.Frame) error {
	g.engine.BeginTurn()
	id, turnCtx := g.tracker.Begin(ctx)
	g.turn = id
	defer func() { g.turn = 0 }()

	turnCtx, span := observability.StartTurnSpan(turnCtx, g.callID, id, g.engine.Current().Name)
	err := g.generate(turnCtx, id, out)
	observability.EndSpan(span, err)
	if err != nil {
		return err
	}
	return send(ctx, out, types.Frame{Kind: types.FrameLLMTurnEnd, TurnID: id})
}

func (g *Generator) generate(ctx context.Context, turn uint64, out chan<- types.Frame) error {
	for round := 0; round < g.options.FunctionRounds; round++ {
		req := llm.Request{
			System:      g.systemPrompt(),
			Messages:    g.conversation.Messages(),
			Tools:       g.tools,
			Temperature: g.options.Temperature,
		}
		var sendErr error
		resp, err := g.service.Generate(ctx, req, func(text string) {
			if sendErr == nil {
				sendErr = send(ctx, out, types.Frame{Kind: types.FrameLLMText, Text: text, TurnID: turn})
			}
		})
		if ctx.Err() != nil {
			g.logger.Debug("Turn interrupted during generation", "turn", turn)
			return nil
		}
		if err != nil {
			g.failures++
			g.metrics.ServiceError("llm")
			g.logger.Error("Generation failed", "turn", turn, "failures", g.failures, "error", err)
			if g.failures >= g.options.MaxFailures {
				return fmt.Errorf("%w: %w", ErrLLMUnavailable, err)
			}
			return nil
		}
		g.failures = 0
		if len(resp.Calls) == 0 {
			return nil
		}

		g.conversation.AddCalls(resp.Calls)
		results := make([]llm.FunctionResult, 0, len(resp.Calls))
		for _, call := range resp.Calls {
			response, err := g.dispatch(ctx, call)
			if err != nil {
				return err
			}
			results = append(results, llm.FunctionResult{ID: call.ID, Name: call.Name, Response: response})
		}
		g.conversation.AddResults(results)
	}
	g.logger.Warn("Function call rounds exhausted", "turn", turn, "rounds", g.options.FunctionRounds)
	return nil
}

func (g *Generator) dispatch(ctx context.Context, call llm.FunctionCall) (map[string]any, error) {
	outcome, err := g.engine.Dispatch(ctx, call.Name, flow.Args(call.Args))
	switch {
	case err == nil && outcome.Duplicate:
		return map[string]any{"status": "duplicate ignored"}, nil
	case err == nil:
		return functionResponse(outcome.Result), nil
	case flow.Recoverable(err), errors.Is(err, flow.ErrTerminated):
		return map[string]any{"error": err.Error()}, nil
	default:
		return nil, err
	}
}

func functionResponse(result any) map[string]any {
	switch v := result.(type) {
	case nil:
		return map[string]any{"status": "ok"}
	case map[string]any:
		return v
	default:
		return map[string]any{"result": v}
	}
}

func (g *Generator) systemPrompt() string {
	return strings.Join(append(append([]string(nil), g.persona...), g.task...), "\n\n")
}

// ApplyNode swaps in the node's instructions and tools. Role messages
// replace the persona only when the node declares its own.
func (g *Generator) ApplyNode(_ context.Context, node *flow.Node) error {
	if len(node.RoleMessages) > 0 {
		g.persona = node.RoleMessages
	}
	g.task = node.TaskMessages
	g.tools = g.tools[:0:0]
	for _, fn := range node.Functions {
		g.tools = append(g.tools, llm.Tool{
			Name:        fn.Name,
			Description: fn.Description,
			Parameters:  fn.Parameters,
		})
	}
	g.logger.Debug("Applied node", "node", node.Name, "tools", len(g.tools))
	return nil
}

// Say speaks text inside the turn being generated, or as a turn of its own
// when called outside one. Frames are sent on the stage context so that an
// interrupted turn does not fail the action.
func (g *Generator) Say(_ context.Context, text string) error {
	if g.turn != 0 {
		return send(g.ctx, g.out, types.Frame{Kind: types.FrameSpeak, Text: text, TurnID: g.turn})
	}
	id, _ := g.tracker.Begin(g.ctx)
	if err := send(g.ctx, g.out, types.Frame{Kind: types.FrameSpeak, Text: text, TurnID: id}); err != nil {
		return err
	}
	return send(g.ctx, g.out, types.Frame{Kind: types.FrameLLMTurnEnd, TurnID: id})
}

func (g *Generator) EndConversation(context.Context) error {
	g.logger.Info("Ending conversation")
	return send(g.ctx, g.out, types.Frame{Kind: types.FrameEndCall})
}
