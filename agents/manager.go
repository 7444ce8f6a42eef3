package agents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Reverse-Call-Center/callflow-agent/audio"
	"github.com/Reverse-Call-Center/callflow-agent/config"
	"github.com/Reverse-Call-Center/callflow-agent/flow"
	"github.com/Reverse-Call-Center/callflow-agent/llm"
	"github.com/Reverse-Call-Center/callflow-agent/observability"
	"github.com/Reverse-Call-Center/callflow-agent/pipeline"
	"github.com/Reverse-Call-Center/callflow-agent/session"
	"github.com/Reverse-Call-Center/callflow-agent/stt"
	"github.com/Reverse-Call-Center/callflow-agent/transport"
	"github.com/Reverse-Call-Center/callflow-agent/tts"
	"github.com/Reverse-Call-Center/callflow-agent/types"
	"golang.org/x/sync/errgroup"
)

// ErrDisconnected is the failure cause when the media stream ends before
// the conversation recorded a result.
var ErrDisconnected = errors.New("call disconnected before completion")

// RecordResultAction is the node action name that stores the call outcome.
const RecordResultAction = "record_result"

type Services struct {
	STT stt.Service
	LLM llm.Service
	TTS tts.Service
}

type Options struct {
	Temperature     *float32
	MaxFailures     int
	FunctionRounds  int
	PlayoutInterval time.Duration
	VAD             audio.VADParams
	SessionTimeout  time.Duration
	RecordingDir    string
	Buffer          int
}

// Agent is one bot attached to a live call.
type Agent struct {
	SessionID    string
	StartTime    time.Time
	Transport    transport.Transport
	Engine       *flow.Engine
	Conversation *pipeline.Conversation

	keys []string
	// recorded is set once this call's result is stored. The result slot
	// itself may already be released by the time the call winds down.
	recorded atomic.Bool
}

func (a *Agent) result(outcome map[string]any) types.CallResult {
	return types.CallResult{
		Keys:         a.keys,
		Outcome:      outcome,
		Conversation: a.Conversation.Transcript(),
	}
}

type agentKey struct{}

func agentFrom(ctx context.Context) (*Agent, bool) {
	a, ok := ctx.Value(agentKey{}).(*Agent)
	return a, ok
}

// Manager runs a bot for every connected call and tracks the active ones.
type Manager struct {
	graph    *flow.Graph
	services Services
	results  *session.ResultStore
	registry *session.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger
	options  Options

	agents map[string]*Agent
	mutex  sync.RWMutex
}

func NewManager(script *config.Script, services Services, results *session.ResultStore, registry *session.Registry, metrics *observability.Metrics, logger *slog.Logger, options Options) (*Manager, error) {
	if options.PlayoutInterval <= 0 {
		options.PlayoutInterval = 20 * time.Millisecond
	}
	m := &Manager{
		services: services,
		results:  results,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		options:  options,
		agents:   make(map[string]*Agent),
	}
	graph, err := flow.Compile(script, flow.ActionRegistry{RecordResultAction: m.recordResult})
	if err != nil {
		return nil, fmt.Errorf("compile script %q: %w", script.Name, err)
	}
	m.graph = graph
	return m, nil
}

func (m *Manager) Graph() *flow.Graph { return m.graph }

func (m *Manager) recordResult(ctx context.Context, st *flow.State) error {
	a, ok := agentFrom(ctx)
	if !ok {
		return errors.New("record_result called outside a call")
	}
	err := m.results.Complete(a.SessionID, a.result(st.Snapshot()))
	if errors.Is(err, session.ErrAlreadyCompleted) {
		m.logger.Warn("Result already recorded", "session_id", a.SessionID)
		return nil
	}
	if err != nil {
		return err
	}
	a.recorded.Store(true)
	m.logger.Info("Call result recorded", "session_id", a.SessionID, "outcome", st.Snapshot())
	return nil
}

func (m *Manager) register(a *Agent) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.agents[a.SessionID] = a
}

func (m *Manager) unregister(sessionID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.agents, sessionID)
}

func (m *Manager) Get(sessionID string) (*Agent, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	a, ok := m.agents[sessionID]
	return a, ok
}

func (m *Manager) GetActiveAgentCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.agents)
}

func (m *Manager) stages(a *Agent, gen *pipeline.Generator, tracker *pipeline.TurnTracker, recorder io.Writer, logger *slog.Logger) []pipeline.Stage {
	return []pipeline.Stage{
		pipeline.NewInputStage(a.Transport, audio.NewVAD(m.options.VAD, audio.SampleRate), tracker, m.metrics, recorder, logger),
		pipeline.NewSTTStage(m.services.STT, m.metrics, logger),
		pipeline.NewUserAggregator(a.Conversation, logger),
		gen,
		pipeline.NewTTSStage(m.services.TTS, tracker, m.metrics, logger),
		pipeline.NewOutputStage(a.Transport, tracker, m.options.PlayoutInterval, m.metrics, logger),
		pipeline.NewAssistantAggregator(a.Conversation, gen.TurnDone, logger),
	}
}

func (m *Manager) openRecorder(sessionID string) (*audio.Recorder, error) {
	if m.options.RecordingDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(m.options.RecordingDir, 0o755); err != nil {
		return nil, err
	}
	return audio.NewRecorder(filepath.Join(m.options.RecordingDir, sessionID+".wav"), audio.SampleRate)
}

// Serve runs the bot for a session over t until the call ends. If the
// conversation did not record a result, the session's result is failed
// with whatever state was collected.
func (m *Manager) Serve(ctx context.Context, sessionID string, t transport.Transport) error {
	cs, ok := m.registry.Get(sessionID)
	if !ok {
		t.Close()
		return fmt.Errorf("%w: %s", session.ErrUnknownSession, sessionID)
	}
	logger := m.logger.With("session_id", sessionID)

	conv := pipeline.NewConversation()
	tracker := pipeline.NewTurnTracker()
	gen := pipeline.NewGenerator(sessionID, m.services.LLM, conv, tracker, m.metrics, logger, pipeline.GeneratorOptions{
		Temperature:    m.options.Temperature,
		MaxFailures:    m.options.MaxFailures,
		FunctionRounds: m.options.FunctionRounds,
	})
	state := m.graph.NewState()
	engine := flow.NewEngine(sessionID, gen, state, flow.WithLogger(logger), flow.WithMetrics(m.metrics))
	gen.Bind(engine, m.graph.Initial())

	a := &Agent{
		SessionID:    sessionID,
		StartTime:    time.Now(),
		Transport:    t,
		Engine:       engine,
		Conversation: conv,
		keys:         m.graph.Keys(),
	}

	var recorder io.Writer
	rec, err := m.openRecorder(sessionID)
	if err != nil {
		logger.Warn("Call recording disabled", "error", err)
	} else if rec != nil {
		recorder = rec
		defer rec.Close()
	}

	p := pipeline.New(logger, m.options.Buffer, m.stages(a, gen, tracker, recorder, logger)...)

	ctx, span := observability.StartCallSpan(ctx, sessionID)
	ctx = context.WithValue(ctx, agentKey{}, a)
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(cs.Context, func() { cancel(context.Cause(cs.Context)) })
	defer stop()

	m.register(a)
	defer m.unregister(sessionID)
	logger.Info("Agent attached to call")

	events := t.Events().Subscribe()
	g, gctx := errgroup.WithContext(ctx)
	var runErr error
	g.Go(func() error {
		runErr = t.Run(gctx)
		if runErr != nil {
			return runErr
		}
		return ErrDisconnected
	})
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error { return m.watch(gctx, cs, p, events, logger) })
	err = g.Wait()
	t.Close()

	cause := context.Cause(ctx)
	if cause == nil && streamEnded(runErr) {
		cause = runErr
	}
	if cause == nil {
		cause = err
	}
	if cause == nil {
		cause = ErrDisconnected
	}

	if a.recorded.Load() {
		cs.SetState(types.StateCompleted)
		logger.Info("Agent finished call", "duration", time.Since(a.StartTime))
		observability.EndSpan(span, nil)
		return nil
	}

	cs.SetState(types.StateFailed)
	ferr := m.results.Fail(sessionID, a.result(state.Snapshot()), cause)
	switch {
	case ferr == nil, errors.Is(ferr, session.ErrAlreadyCompleted):
	case errors.Is(ferr, session.ErrUnknownSession):
		logger.Debug("Caller stopped waiting for the result", "cause", cause)
	default:
		logger.Warn("Failed to store call result", "error", ferr)
	}
	logger.Warn("Call ended without a result", "cause", cause)
	observability.EndSpan(span, cause)
	return cause
}

// streamEnded reports whether the transport itself ended the call for a
// reason the caller should see instead of a plain disconnect.
func streamEnded(err error) bool {
	return errors.Is(err, transport.ErrSessionTimeout) || errors.Is(err, transport.ErrMalformedStart)
}

// watch follows transport lifecycle events. It starts the conversation on
// connect and ends the call when the stream goes away.
func (m *Manager) watch(ctx context.Context, cs *types.CallSession, p *pipeline.Pipeline, events <-chan transport.Event, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return ErrDisconnected
			}
			switch ev.Type {
			case transport.EventConnected:
				cs.Attach(ev.Info.CallID, ev.Info.StreamID)
				cs.SetState(types.StateInConversation)
				logger.Info("Media stream connected", "call_uuid", ev.Info.CallID, "stream_id", ev.Info.StreamID)
				if err := p.Queue(ctx, types.Frame{Kind: types.FrameStart}); err != nil {
					return nil
				}
			case transport.EventTimedOut:
				return transport.ErrSessionTimeout
			case transport.EventDisconnected:
				if streamEnded(ev.Err) {
					return ev.Err
				}
				if ev.Err != nil {
					logger.Debug("Media stream closed", "error", ev.Err)
				}
				return ErrDisconnected
			}
		}
	}
}
