package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Reverse-Call-Center/callflow-agent/observability"
	"github.com/Reverse-Call-Center/callflow-agent/session"
	"github.com/Reverse-Call-Center/callflow-agent/telephony"
	"github.com/Reverse-Call-Center/callflow-agent/types"
	"github.com/Reverse-Call-Center/callflow-agent/utils"
)

var (
	ErrCallTimeout = errors.New("call did not finish within the maximum duration")
	ErrCallFailed  = errors.New("call failed")
	// ErrCallEnded is the cause used when the provider reports the leg gone.
	ErrCallEnded = errors.New("call ended by telephony provider")
)

type Options struct {
	MaxCallDuration time.Duration
	// ResultGrace is how long a cancelled call's runner gets to store its
	// partial result before the orchestrator fails the slot itself.
	ResultGrace   time.Duration
	HangupTimeout time.Duration
	// Keys are the outcome flags rendered in every result.
	Keys       []string
	AnswerURL  func(sessionID string) string
	HangupURL  func(sessionID string) string
	LogNumbers bool
}

// Orchestrator places outbound calls and waits for their results.
type Orchestrator struct {
	dialer   telephony.Dialer
	results  *session.ResultStore
	registry *session.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger
	options  Options
}

func New(dialer telephony.Dialer, results *session.ResultStore, registry *session.Registry, metrics *observability.Metrics, logger *slog.Logger, options Options) *Orchestrator {
	if options.MaxCallDuration <= 0 {
		options.MaxCallDuration = 5 * time.Minute
	}
	if options.ResultGrace <= 0 {
		options.ResultGrace = 2 * time.Second
	}
	if options.HangupTimeout <= 0 {
		options.HangupTimeout = 10 * time.Second
	}
	return &Orchestrator{
		dialer:   dialer,
		results:  results,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		options:  options,
	}
}

func (o *Orchestrator) number(n string) string {
	if o.options.LogNumbers {
		return n
	}
	return utils.MaskNumber(n)
}

// PlaceCall dials number and blocks until the conversation records a
// result, the call fails, or the maximum call duration passes. The leg is
// always hung up before returning. A failed call still returns whatever
// partial result was collected alongside the error.
func (o *Orchestrator) PlaceCall(ctx context.Context, number string) (types.CallResult, error) {
	to, err := utils.NormalizeNumber(number)
	if err != nil {
		return types.CallResult{}, err
	}

	id := utils.GenerateCallID()
	logger := o.logger.With("session_id", id)
	if err := o.results.Open(id); err != nil {
		return types.CallResult{}, err
	}
	defer o.results.Release(id)

	waitCtx, cancel := context.WithTimeoutCause(ctx, o.options.MaxCallDuration, ErrCallTimeout)
	defer cancel()
	cs := types.NewCallSession(waitCtx, id, to)
	defer cs.Cancel(nil)

	o.registry.RegisterCall(cs)
	defer o.registry.UnregisterCall(id)

	finished := o.metrics.CallStarted()
	ctx, span := observability.StartCallSpan(ctx, id)
	logger.Info("Placing call", "to", o.number(to))

	req := telephony.DialRequest{To: to, SessionID: id, TimeLimit: o.options.MaxCallDuration}
	if o.options.AnswerURL != nil {
		req.AnswerURL = o.options.AnswerURL(id)
	}
	if o.options.HangupURL != nil {
		req.HangupURL = o.options.HangupURL(id)
	}

	leg, err := o.dialer.Dial(cs.Context, req)
	if err != nil {
		cs.SetState(types.StateFailed)
		if errors.Is(context.Cause(cs.Context), ErrCallTimeout) {
			err = ErrCallTimeout
		}
		logger.Error("Dial failed", "error", err)
		finished("dial_failed")
		observability.EndSpan(span, err)
		result := types.CallResult{CallID: id, Keys: o.options.Keys, Status: types.StatusFailed, Error: err.Error()}
		if errors.Is(err, ErrCallTimeout) {
			return result, err
		}
		return result, fmt.Errorf("%w: %w", ErrCallFailed, err)
	}
	cs.SetRequestID(leg.RequestID)
	logger.Info("Call dialed", "request_uuid", leg.RequestID)

	timedOut := false
	result, err := o.results.Await(cs.Context, id)
	if err != nil {
		cause := context.Cause(cs.Context)
		timedOut = errors.Is(cause, ErrCallTimeout)
		cs.Cancel(cause)
		result = o.settle(id, cause, logger)
	}

	o.hangup(ctx, cs, logger)

	switch {
	case result.Completed():
		logger.Info("Call completed", "duration", time.Since(cs.StartTime))
		finished("completed")
		observability.EndSpan(span, nil)
		return result, nil
	case timedOut:
		logger.Warn("Call timed out", "max_duration", o.options.MaxCallDuration)
		finished("timeout")
		observability.EndSpan(span, ErrCallTimeout)
		return result, ErrCallTimeout
	default:
		logger.Warn("Call failed", "error", result.Error)
		finished("failed")
		err := fmt.Errorf("%w: %s", ErrCallFailed, result.Error)
		observability.EndSpan(span, err)
		return result, err
	}
}

// settle gives the call's runner a moment to store its partial result and
// fails the slot directly when no runner does.
func (o *Orchestrator) settle(id string, cause error, logger *slog.Logger) types.CallResult {
	ctx, cancel := context.WithTimeout(context.Background(), o.options.ResultGrace)
	defer cancel()
	if result, err := o.results.Await(ctx, id); err == nil {
		return result
	}

	err := o.results.Fail(id, types.CallResult{Keys: o.options.Keys}, cause)
	if err != nil && !errors.Is(err, session.ErrAlreadyCompleted) {
		logger.Warn("Failed to store call result", "error", err)
	}
	result, _ := o.results.Await(context.Background(), id)
	return result
}

func (o *Orchestrator) hangup(ctx context.Context, cs *types.CallSession, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.options.HangupTimeout)
	defer cancel()

	requestID, callUUID, _ := cs.Leg()
	if err := o.dialer.Hangup(ctx, telephony.Leg{RequestID: requestID, CallUUID: callUUID}); err != nil {
		logger.Warn("Hangup failed", "error", err)
		return
	}
	logger.Debug("Call hung up", "request_uuid", requestID, "call_uuid", callUUID)
}

// HandleHangup ends a session reported gone by the telephony provider. It
// reports whether the session was still active.
func (o *Orchestrator) HandleHangup(sessionID, reason string) bool {
	cs, ok := o.registry.Get(sessionID)
	if !ok {
		return false
	}
	if reason == "" {
		reason = "unknown"
	}
	if o.results.Done(sessionID) {
		o.logger.Debug("Provider reported hangup of a finished call", "session_id", sessionID, "reason", reason)
	} else {
		o.logger.Info("Provider reported hangup", "session_id", sessionID, "reason", reason, "state", cs.State())
		cs.SetState(types.StateHangup)
	}
	cs.Cancel(fmt.Errorf("%w: %s", ErrCallEnded, reason))
	return true
}

func (o *Orchestrator) ActiveCalls() int {
	return o.registry.GetActiveCallCount()
}
