package agents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Reverse-Call-Center/callflow-agent/config"
	"github.com/Reverse-Call-Center/callflow-agent/llm"
	"github.com/Reverse-Call-Center/callflow-agent/session"
	"github.com/Reverse-Call-Center/callflow-agent/stt"
	"github.com/Reverse-Call-Center/callflow-agent/transport"
	"github.com/Reverse-Call-Center/callflow-agent/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	audio  chan []byte
	events *transport.EventBus
	closed chan struct{}
	once   sync.Once

	// fail ends the stream with this error. ErrMalformedStart ends it
	// before it connects; any other error after Close.
	fail error
	// holdOpen keeps the stream up after the bot hangs up, so only the
	// session context ends it.
	holdOpen bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		audio:  make(chan []byte),
		events: transport.NewEventBus(),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Run(ctx context.Context) error {
	defer t.events.Close()
	if errors.Is(t.fail, transport.ErrMalformedStart) {
		t.events.Publish(transport.Event{Type: transport.EventDisconnected, Err: t.fail})
		return t.fail
	}

	info := transport.Info{CallID: "call-uuid-1", StreamID: "stream-1"}
	t.events.Publish(transport.Event{Type: transport.EventConnected, Info: info})
	closed := t.closed
	if t.holdOpen {
		closed = nil
	}
	select {
	case <-ctx.Done():
	case <-closed:
	}
	if t.fail != nil {
		t.events.Publish(transport.Event{Type: transport.EventTimedOut, Info: info, Err: t.fail})
		t.events.Publish(transport.Event{Type: transport.EventDisconnected, Info: info, Err: t.fail})
		return t.fail
	}
	t.events.Publish(transport.Event{Type: transport.EventDisconnected, Info: info})
	return nil
}

func (t *fakeTransport) Audio() <-chan []byte        { return t.audio }
func (t *fakeTransport) WriteAudio([]byte) error     { return nil }
func (t *fakeTransport) ClearAudio() error           { return nil }
func (t *fakeTransport) Events() *transport.EventBus { return t.events }
func (t *fakeTransport) Info() transport.Info        { return transport.Info{} }
func (t *fakeTransport) Close() error                { t.once.Do(func() { close(t.closed) }); return nil }

type fakeSTT struct {
	results chan stt.Result
}

func (s *fakeSTT) Open(context.Context) (stt.Stream, error) { return s, nil }
func (s *fakeSTT) SendAudio([]byte) error                   { return nil }
func (s *fakeSTT) Results() <-chan stt.Result               { return s.results }
func (s *fakeSTT) Err() error                               { return nil }
func (s *fakeSTT) Close() error                             { return nil }

// candidateLLM answers every caller message by calling the first offered
// function and otherwise replies with a short line.
type candidateLLM struct {
	args map[string]map[string]any
}

func (m *candidateLLM) Generate(_ context.Context, req llm.Request, onText func(string)) (*llm.Response, error) {
	last := req.Messages[len(req.Messages)-1]
	if last.Role == llm.RoleUser && len(req.Tools) > 0 {
		name := req.Tools[0].Name
		args := m.args[name]
		if args == nil {
			args = map[string]any{}
		}
		return &llm.Response{Calls: []llm.FunctionCall{{ID: name, Name: name, Args: args}}}, nil
	}
	text := "Theek hai."
	if len(req.Tools) == 0 {
		text = "Dhanyawaad!"
	}
	onText(text)
	return &llm.Response{Text: text}, nil
}

type silentTTS struct{}

func (silentTTS) Synthesize(_ context.Context, _ string, emit func([]byte) error) error {
	return emit(make([]byte, 320))
}

type harness struct {
	manager  *Manager
	results  *session.ResultStore
	registry *session.Registry
	stt      *fakeSTT
	agent    *Agent
}

func newHarness(t *testing.T, model llm.Service) *harness {
	t.Helper()
	script, err := config.LoadScript("")
	require.NoError(t, err)

	h := &harness{
		results:  session.NewResultStore(),
		registry: session.NewRegistry(),
		stt:      &fakeSTT{results: make(chan stt.Result, 4)},
	}
	h.manager, err = NewManager(script, Services{STT: h.stt, LLM: model, TTS: silentTTS{}},
		h.results, h.registry, nil, slog.New(slog.NewTextHandler(io.Discard, nil)),
		Options{PlayoutInterval: time.Millisecond})
	require.NoError(t, err)
	return h
}

func (h *harness) open(t *testing.T, id string) *types.CallSession {
	t.Helper()
	cs := types.NewCallSession(context.Background(), id, "919800000001")
	h.registry.RegisterCall(cs)
	require.NoError(t, h.results.Open(id))
	return cs
}

func (h *harness) serve(id string, tr transport.Transport) chan error {
	done := make(chan error, 1)
	go func() { done <- h.manager.Serve(context.Background(), id, tr) }()
	return done
}

// waitForAssistant blocks until the agent has finished n assistant turns.
// The agent is remembered since it unregisters when the call ends.
func (h *harness) waitForAssistant(t *testing.T, id string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		if h.agent == nil {
			a, ok := h.manager.Get(id)
			if !ok {
				return false
			}
			h.agent = a
		}
		count := 0
		for _, u := range h.agent.Conversation.Transcript() {
			if u.Role == types.RoleAssistant {
				count++
			}
		}
		return count >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func awaitResult(t *testing.T, results *session.ResultStore, id string) types.CallResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := results.Await(ctx, id)
	require.NoError(t, err)
	return result
}

func TestServeRecordsCompletedCall(t *testing.T) {
	h := newHarness(t, &candidateLLM{args: map[string]map[string]any{
		"set_interest": {"isInterest": "yes"},
		"set_license":  {"isLicense": "no"},
	}})
	cs := h.open(t, "s1")
	done := h.serve("s1", newFakeTransport())

	h.waitForAssistant(t, "s1", 1)
	for i, line := range []string{"haan ji", "batao", "haan", "nahi hai"} {
		h.stt.results <- stt.Result{Text: line, Final: true}
		h.waitForAssistant(t, "s1", i+2)
	}

	result := awaitResult(t, h.results, "s1")
	assert.True(t, result.Completed())
	assert.Equal(t, "s1", result.CallID)
	assert.Equal(t, map[string]any{"userInterest": "yes", "haveLicense": "no"}, result.Outcome)
	assert.Equal(t, []string{"userInterest", "haveLicense"}, result.Keys)
	require.Len(t, result.Conversation, 9)
	assert.Equal(t, "Hello!", result.Conversation[0].Content)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after hangup")
	}
	assert.Equal(t, types.StateCompleted, cs.State())
	_, _, streamID := cs.Leg()
	assert.Equal(t, "stream-1", streamID)
	assert.Zero(t, h.manager.GetActiveAgentCount())
}

func TestServeFailsOnEarlyHangup(t *testing.T) {
	h := newHarness(t, &candidateLLM{})
	cs := h.open(t, "s2")
	tr := newFakeTransport()
	done := h.serve("s2", tr)

	h.waitForAssistant(t, "s2", 1)
	tr.Close()

	result := awaitResult(t, h.results, "s2")
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Contains(t, result.Error, "disconnected")
	assert.Empty(t, result.Outcome)
	require.NotEmpty(t, result.Conversation)
	assert.Equal(t, types.Utterance{Role: types.RoleAssistant, Content: "Hello!"}, result.Conversation[0])

	assert.ErrorIs(t, <-done, ErrDisconnected)
	assert.Equal(t, types.StateFailed, cs.State())
}

func TestServeUsesSessionCancelCause(t *testing.T) {
	h := newHarness(t, &candidateLLM{})
	cs := h.open(t, "s3")
	done := h.serve("s3", newFakeTransport())

	h.waitForAssistant(t, "s3", 1)
	timeout := errors.New("call exceeded maximum duration")
	cs.Cancel(timeout)

	result := awaitResult(t, h.results, "s3")
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Equal(t, timeout.Error(), result.Error)
	assert.ErrorIs(t, <-done, timeout)
}

func TestServeRejectsUnknownSession(t *testing.T) {
	h := newHarness(t, &candidateLLM{})
	tr := newFakeTransport()
	err := h.manager.Serve(context.Background(), "missing", tr)
	assert.ErrorIs(t, err, session.ErrUnknownSession)

	select {
	case <-tr.closed:
	default:
		t.Fatal("transport was not closed")
	}
}

func TestServeKeepsCompletionAfterSlotRelease(t *testing.T) {
	h := newHarness(t, &candidateLLM{args: map[string]map[string]any{
		"set_interest": {"isInterest": "no"},
	}})
	cs := h.open(t, "s4")
	tr := newFakeTransport()
	tr.holdOpen = true
	done := h.serve("s4", tr)

	h.waitForAssistant(t, "s4", 1)
	for i, line := range []string{"haan ji", "batao", "nahi"} {
		h.stt.results <- stt.Result{Text: line, Final: true}
		h.waitForAssistant(t, "s4", i+2)
	}
	result := awaitResult(t, h.results, "s4")
	require.True(t, result.Completed())

	// The dialing side stops waiting and drops the slot while the bot is
	// still attached.
	h.registry.UnregisterCall("s4")
	cs.Cancel(nil)
	h.results.Release("s4")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after the session ended")
	}
	assert.Equal(t, types.StateCompleted, cs.State())
}

func TestServeFailsOnMalformedStreamStart(t *testing.T) {
	h := newHarness(t, &candidateLLM{})
	cs := h.open(t, "s5")
	tr := newFakeTransport()
	tr.fail = fmt.Errorf("%w: start event without start block", transport.ErrMalformedStart)
	done := h.serve("s5", tr)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, transport.ErrMalformedStart)
	case <-time.After(2 * time.Second):
		t.Fatal("serve kept running after a malformed stream start")
	}

	result := awaitResult(t, h.results, "s5")
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Contains(t, result.Error, "malformed stream start")
	assert.Empty(t, result.Conversation)
	assert.Equal(t, types.StateFailed, cs.State())
	_, callUUID, _ := cs.Leg()
	assert.Empty(t, callUUID)
}

func TestServeReportsIdleTimeout(t *testing.T) {
	h := newHarness(t, &candidateLLM{})
	h.open(t, "s6")
	tr := newFakeTransport()
	tr.fail = transport.ErrSessionTimeout
	done := h.serve("s6", tr)

	h.waitForAssistant(t, "s6", 1)
	tr.Close()

	result := awaitResult(t, h.results, "s6")
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Equal(t, transport.ErrSessionTimeout.Error(), result.Error)
	assert.ErrorIs(t, <-done, transport.ErrSessionTimeout)
}
