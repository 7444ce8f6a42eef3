package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Reverse-Call-Center/callflow-agent/observability"
	"go.opentelemetry.io/otel/attribute"
)

// Driver applies engine decisions to the running call.
type Driver interface {
	// ApplyNode makes node's instructions and functions current for the model.
	ApplyNode(ctx context.Context, node *Node) error
	// Say speaks fixed text as part of the current assistant turn.
	Say(ctx context.Context, text string) error
	// EndConversation hangs up once queued audio has played.
	EndConversation(ctx context.Context) error
}

type Transition struct {
	From     string
	To       string
	Function string
	At       time.Time
}

// Outcome describes what a dispatch did.
type Outcome struct {
	Result       any
	From         string
	To           string
	Transitioned bool
	Duplicate    bool
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine tracks the current node of one call and serializes transitions.
type Engine struct {
	mutex   sync.Mutex
	callID  string
	driver  Driver
	state   *State
	logger  *slog.Logger
	metrics *observability.Metrics

	current     *Node
	history     []Transition
	initialized bool
	terminated  bool
	seen        map[string]struct{}
}

func NewEngine(callID string, driver Driver, state *State, opts ...Option) *Engine {
	e := &Engine{
		callID: callID,
		driver: driver,
		state:  state,
		logger: slog.Default(),
		seen:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("call_id", callID)
	return e
}

// Initialize enters the start node.
func (e *Engine) Initialize(ctx context.Context, start *Node) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.initialized {
		return ErrAlreadyInitialized
	}
	if start == nil {
		return fmt.Errorf("%w: nil start node", ErrUnknownNode)
	}
	e.initialized = true
	e.logger.Info("Flow started", "node", start.Name)
	return e.enter(ctx, start, "initialize")
}

// BeginTurn starts a new user turn. Duplicate detection is scoped to a turn.
func (e *Engine) BeginTurn() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	clear(e.seen)
}

// Dispatch runs the named function of the current node. Rejections for
// undeclared functions, invalid arguments or immutable state leave the
// engine unchanged and are safe to report back to the model.
func (e *Engine) Dispatch(ctx context.Context, name string, args Args) (Outcome, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if !e.initialized {
		return Outcome{}, ErrNotInitialized
	}
	if e.terminated {
		return Outcome{}, ErrTerminated
	}

	node := e.current
	// A repeat of a call that already succeeded this turn is ignored even if
	// that call moved the flow to a node that does not declare it.
	key := name + canonicalArgs(args)
	if _, dup := e.seen[key]; dup {
		e.logger.Debug("Ignoring duplicate function call", "node", node.Name, "function", name)
		observability.AddEvent(ctx, "flow.duplicate_ignored", attribute.String("flow.function", name))
		return Outcome{From: node.Name, To: node.Name, Duplicate: true}, nil
	}

	fn, ok := node.Function(name)
	if !ok {
		e.logger.Warn("Rejected undeclared function", "node", node.Name, "function", name)
		e.metrics.Rejected("undeclared")
		return Outcome{}, fmt.Errorf("%w: %s on %s", ErrUndeclaredFunction, name, node.Name)
	}

	if err := fn.validate(args); err != nil {
		e.logger.Warn("Rejected function arguments", "node", node.Name, "function", name, "error", err)
		e.metrics.Rejected("invalid_arguments")
		return Outcome{}, err
	}

	ctx, span := observability.StartTransitionSpan(ctx, e.callID, name, node.Name)
	out, err := e.run(ctx, node, fn, args)
	observability.EndSpan(span, err)
	if err == nil {
		e.seen[key] = struct{}{}
	}
	return out, err
}

func (e *Engine) run(ctx context.Context, node *Node, fn *Function, args Args) (Outcome, error) {
	view := e.state.stage()
	result, next, err := fn.Handler(ctx, view, args)
	if err != nil {
		if errors.Is(err, ErrKeyImmutable) || errors.Is(err, ErrUndeclaredKey) {
			e.logger.Warn("Rejected state write", "node", node.Name, "function", fn.Name, "error", err)
			e.metrics.Rejected("state")
			return Outcome{}, err
		}
		return Outcome{}, &HandlerError{Node: node.Name, Function: fn.Name, Err: err}
	}
	e.state.commit(view)

	out := Outcome{Result: result, From: node.Name, To: node.Name}
	if next == nil {
		e.logger.Debug("Function handled, staying on node", "node", node.Name, "function", fn.Name)
		return out, nil
	}

	if err := e.runActions(ctx, node, node.PostActions, fn.Name); err != nil {
		return Outcome{}, err
	}
	e.history = append(e.history, Transition{From: node.Name, To: next.Name, Function: fn.Name, At: time.Now()})
	e.metrics.Transition(node.Name, next.Name)
	e.logger.Info("Flow transition", "from", node.Name, "to", next.Name, "function", fn.Name)

	if err := e.enter(ctx, next, fn.Name); err != nil {
		return Outcome{}, err
	}
	out.To = next.Name
	out.Transitioned = true
	return out, nil
}

func (e *Engine) enter(ctx context.Context, node *Node, via string) error {
	e.current = node
	if err := e.runActions(ctx, node, node.PreActions, via); err != nil {
		return err
	}
	if err := e.driver.ApplyNode(ctx, node); err != nil {
		return &HandlerError{Node: node.Name, Function: via, Err: fmt.Errorf("apply node: %w", err)}
	}
	return nil
}

func (e *Engine) runActions(ctx context.Context, node *Node, actions []Action, via string) error {
	for _, action := range actions {
		var err error
		switch action.Type {
		case ActionTTSSay:
			err = e.driver.Say(ctx, action.Text)
		case ActionEndConversation:
			err = e.driver.EndConversation(ctx)
		case ActionFunction:
			if action.Handler == nil {
				err = fmt.Errorf("action %q has no handler", action.Name)
			} else {
				err = action.Handler(ctx, e.state)
			}
		default:
			err = fmt.Errorf("unknown action type %q", action.Type)
		}
		if err != nil {
			return &HandlerError{Node: node.Name, Function: via + "/" + string(action.Type), Err: err}
		}
	}
	return nil
}

// CompleteTurn is called once an assistant turn has been fully played. On a
// terminal node it runs the node's post actions and ends the flow.
func (e *Engine) CompleteTurn(ctx context.Context) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if !e.initialized || e.terminated || !e.current.Terminal() {
		return nil
	}
	e.terminated = true
	e.logger.Info("Flow finished", "node", e.current.Name)
	return e.runActions(ctx, e.current, e.current.PostActions, "exit")
}

func (e *Engine) Current() *Node {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.current
}

func (e *Engine) History() []Transition {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return slices.Clone(e.history)
}

func (e *Engine) State() *State {
	return e.state
}

func (e *Engine) Terminated() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.terminated
}
