package telephony

import (
	"context"
	"errors"
	"time"
)

var ErrDialFailed = errors.New("telephony: dial failed")

// DialRequest describes one outbound leg. AnswerURL and HangupURL carry the
// session id so callbacks can be matched to the waiting request.
type DialRequest struct {
	To        string
	SessionID string
	AnswerURL string
	HangupURL string
	TimeLimit time.Duration
}

// Leg identifies a placed call at the provider. CallUUID is empty until the
// call is answered.
type Leg struct {
	RequestID string
	CallUUID  string
}

type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Leg, error)
	// Hangup ends the leg. A leg that is already gone is not an error.
	Hangup(ctx context.Context, leg Leg) error
}
