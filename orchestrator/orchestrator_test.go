package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Reverse-Call-Center/callflow-agent/session"
	"github.com/Reverse-Call-Center/callflow-agent/telephony"
	"github.com/Reverse-Call-Center/callflow-agent/types"
	"github.com/Reverse-Call-Center/callflow-agent/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDialer struct {
	err    error
	onDial func(req telephony.DialRequest)

	mutex   sync.Mutex
	dials   []telephony.DialRequest
	hangups []telephony.Leg
}

func (d *fakeDialer) Dial(_ context.Context, req telephony.DialRequest) (telephony.Leg, error) {
	d.mutex.Lock()
	d.dials = append(d.dials, req)
	d.mutex.Unlock()
	if d.err != nil {
		return telephony.Leg{}, d.err
	}
	if d.onDial != nil {
		go d.onDial(req)
	}
	return telephony.Leg{RequestID: "req-" + req.SessionID}, nil
}

func (d *fakeDialer) Hangup(_ context.Context, leg telephony.Leg) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.hangups = append(d.hangups, leg)
	return nil
}

func (d *fakeDialer) calls() ([]telephony.DialRequest, []telephony.Leg) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]telephony.DialRequest(nil), d.dials...), append([]telephony.Leg(nil), d.hangups...)
}

var keys = []string{"userInterest", "haveLicense"}

func newTestOrchestrator(dialer telephony.Dialer, options Options) (*Orchestrator, *session.ResultStore, *session.Registry) {
	results := session.NewResultStore()
	registry := session.NewRegistry()
	options.Keys = keys
	options.AnswerURL = func(id string) string { return "https://bot.example.com/callStream?session=" + id }
	options.HangupURL = func(id string) string { return "https://bot.example.com/callHangup?session=" + id }
	o := New(dialer, results, registry, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), options)
	return o, results, registry
}

func TestPlaceCallReturnsRecordedResult(t *testing.T) {
	dialer := &fakeDialer{}
	o, results, registry := newTestOrchestrator(dialer, Options{})
	dialer.onDial = func(req telephony.DialRequest) {
		time.Sleep(10 * time.Millisecond)
		results.Complete(req.SessionID, types.CallResult{
			Keys:    keys,
			Outcome: map[string]any{"userInterest": "yes", "haveLicense": "yes"},
			Conversation: []types.Utterance{
				{Role: types.RoleAssistant, Content: "Hello!"},
			},
		})
	}

	result, err := o.PlaceCall(context.Background(), "+91 98000-00001")
	require.NoError(t, err)
	assert.True(t, result.Completed())
	assert.Equal(t, "yes", result.Outcome["haveLicense"])

	dials, hangups := dialer.calls()
	require.Len(t, dials, 1)
	id := dials[0].SessionID
	assert.Equal(t, id, result.CallID)
	assert.Equal(t, "919800000001", dials[0].To)
	assert.Equal(t, "https://bot.example.com/callStream?session="+id, dials[0].AnswerURL)
	assert.Equal(t, "https://bot.example.com/callHangup?session="+id, dials[0].HangupURL)
	assert.Equal(t, 5*time.Minute, dials[0].TimeLimit)
	assert.Equal(t, []telephony.Leg{{RequestID: "req-" + id}}, hangups)

	assert.Zero(t, registry.GetActiveCallCount())
	_, err = results.Await(context.Background(), id)
	assert.ErrorIs(t, err, session.ErrUnknownSession)
}

func TestPlaceCallTimesOut(t *testing.T) {
	dialer := &fakeDialer{}
	o, _, _ := newTestOrchestrator(dialer, Options{
		MaxCallDuration: 50 * time.Millisecond,
		ResultGrace:     20 * time.Millisecond,
	})

	start := time.Now()
	result, err := o.PlaceCall(context.Background(), "919800000001")
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Equal(t, ErrCallTimeout.Error(), result.Error)
	assert.Equal(t, keys, result.Keys)
	_, hangups := dialer.calls()
	assert.Len(t, hangups, 1)
}

func TestPlaceCallKeepsRunnerPartialResult(t *testing.T) {
	dialer := &fakeDialer{}
	o, results, registry := newTestOrchestrator(dialer, Options{})

	// The runner fails the slot with the session's cancel cause, the way a
	// live call does when the provider hangs up.
	dialer.onDial = func(req telephony.DialRequest) {
		cs, ok := registry.Get(req.SessionID)
		if !assert.True(t, ok) {
			return
		}
		cs.Attach("call-uuid-9", "stream-9")
		assert.True(t, o.HandleHangup(req.SessionID, "USER_BUSY"))
		<-cs.Context.Done()
		results.Fail(req.SessionID, types.CallResult{
			Keys:    keys,
			Outcome: map[string]any{"userInterest": "no"},
		}, context.Cause(cs.Context))
	}

	result, err := o.PlaceCall(context.Background(), "919800000001")
	assert.ErrorIs(t, err, ErrCallFailed)
	assert.NotErrorIs(t, err, ErrCallTimeout)
	assert.Contains(t, err.Error(), "USER_BUSY")
	assert.Equal(t, "no", result.Outcome["userInterest"])
	assert.Contains(t, result.Error, ErrCallEnded.Error())

	dials, hangups := dialer.calls()
	assert.Equal(t, []telephony.Leg{{RequestID: "req-" + dials[0].SessionID, CallUUID: "call-uuid-9"}}, hangups)
	assert.False(t, o.HandleHangup(dials[0].SessionID, "NORMAL_CLEARING"))
}

func TestPlaceCallDialFailure(t *testing.T) {
	dialer := &fakeDialer{err: telephony.ErrDialFailed}
	o, _, registry := newTestOrchestrator(dialer, Options{})

	result, err := o.PlaceCall(context.Background(), "919800000001")
	assert.ErrorIs(t, err, ErrCallFailed)
	assert.ErrorIs(t, err, telephony.ErrDialFailed)
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Equal(t, keys, result.Keys)

	_, hangups := dialer.calls()
	assert.Empty(t, hangups)
	assert.Zero(t, registry.GetActiveCallCount())
}

func TestPlaceCallRejectsInvalidNumber(t *testing.T) {
	dialer := &fakeDialer{}
	o, _, _ := newTestOrchestrator(dialer, Options{})

	_, err := o.PlaceCall(context.Background(), "call me maybe")
	assert.ErrorIs(t, err, utils.ErrInvalidNumber)
	dials, _ := dialer.calls()
	assert.Empty(t, dials)
}

func TestPlaceCallStopsWhenCallerGoesAway(t *testing.T) {
	dialer := &fakeDialer{}
	o, _, _ := newTestOrchestrator(dialer, Options{ResultGrace: 10 * time.Millisecond})

	ctx, cancel := context.WithCancelCause(context.Background())
	gone := errors.New("client went away")
	dialer.onDial = func(telephony.DialRequest) { cancel(gone) }

	result, err := o.PlaceCall(ctx, "919800000001")
	assert.ErrorIs(t, err, ErrCallFailed)
	assert.Equal(t, gone.Error(), result.Error)
	_, hangups := dialer.calls()
	assert.Len(t, hangups, 1)
}

func TestHandleHangupOfFinishedCall(t *testing.T) {
	o, results, registry := newTestOrchestrator(&fakeDialer{}, Options{})
	cs := types.NewCallSession(context.Background(), "s-done", "919800000001")
	cs.SetState(types.StateInConversation)
	registry.RegisterCall(cs)
	require.NoError(t, results.Open("s-done"))
	require.NoError(t, results.Complete("s-done", types.CallResult{Keys: keys}))

	assert.True(t, o.HandleHangup("s-done", "NORMAL_HANGUP"))
	assert.Equal(t, types.StateInConversation, cs.State(), "a stored result is not overwritten by the hangup")
	assert.ErrorIs(t, context.Cause(cs.Context), ErrCallEnded)

	assert.False(t, o.HandleHangup("missing", "NORMAL_HANGUP"))
}
