package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Reverse-Call-Center/callflow-agent/transport"
	"github.com/Reverse-Call-Center/callflow-agent/utils"
	"github.com/emiago/diago"
	"github.com/emiago/sipgo/sip"
)

// AnswerFunc takes over an answered call. It blocks until the call ends.
type AnswerFunc func(ctx context.Context, sessionID string, t transport.Transport) error

type SIPConfig struct {
	TrunkHost   string
	Username    string
	Password    string
	Transport   string
	IdleTimeout time.Duration
}

// SIPDialer sends INVITEs to a trunk and bridges the answered dialog's RTP
// audio straight into a transport, so no media callback is involved.
type SIPDialer struct {
	dg       *diago.Diago
	config   SIPConfig
	onAnswer AnswerFunc
	logger   *slog.Logger

	mutex   sync.Mutex
	dialogs map[string]*diago.DialogClientSession
}

func NewSIPDialer(dg *diago.Diago, config SIPConfig, onAnswer AnswerFunc, logger *slog.Logger) *SIPDialer {
	return &SIPDialer{
		dg:       dg,
		config:   config,
		onAnswer: onAnswer,
		logger:   logger,
		dialogs:  make(map[string]*diago.DialogClientSession),
	}
}

// Dial blocks until the callee answers or ctx ends.
func (s *SIPDialer) Dial(ctx context.Context, r DialRequest) (Leg, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", r.To, s.config.TrunkHost), &recipient); err != nil {
		return Leg{}, fmt.Errorf("%w: parse recipient: %w", ErrDialFailed, err)
	}

	logger := s.logger.With("session_id", r.SessionID, "to", utils.MaskNumber(r.To))
	logger.Info("Sending INVITE", "trunk", s.config.TrunkHost)

	dialog, err := s.dg.Invite(ctx, recipient, diago.InviteOptions{
		Transport: s.config.Transport,
		Username:  s.config.Username,
		Password:  s.config.Password,
	})
	if err != nil {
		return Leg{}, fmt.Errorf("%w: %w", ErrDialFailed, err)
	}

	reader, err := dialog.AudioReader()
	if err != nil {
		dialog.Hangup(ctx)
		dialog.Close()
		return Leg{}, fmt.Errorf("%w: audio reader: %w", ErrDialFailed, err)
	}
	writer, err := dialog.AudioWriter()
	if err != nil {
		dialog.Hangup(ctx)
		dialog.Close()
		return Leg{}, fmt.Errorf("%w: audio writer: %w", ErrDialFailed, err)
	}

	id := dialog.Id()
	s.mutex.Lock()
	s.dialogs[id] = dialog
	s.mutex.Unlock()

	info := transport.Info{CallID: id}
	t := transport.NewSIPTransport(reader, writer, dialog.Hangup, info, s.config.IdleTimeout, logger)
	logger.Info("Call answered", "dialog_id", id)

	go s.serve(context.WithoutCancel(ctx), r.SessionID, dialog, t, logger)
	return Leg{RequestID: id, CallUUID: id}, nil
}

func (s *SIPDialer) serve(ctx context.Context, sessionID string, dialog *diago.DialogClientSession, t transport.Transport, logger *slog.Logger) {
	defer func() {
		s.mutex.Lock()
		delete(s.dialogs, dialog.Id())
		s.mutex.Unlock()
		dialog.Close()
	}()

	// The remote side may send BYE at any time.
	stop := context.AfterFunc(dialog.Context(), func() { t.Close() })
	defer stop()

	if err := s.onAnswer(ctx, sessionID, t); err != nil {
		logger.Warn("Call ended with error", "error", err)
	}
}

func (s *SIPDialer) Hangup(ctx context.Context, leg Leg) error {
	s.mutex.Lock()
	dialog, ok := s.dialogs[leg.RequestID]
	s.mutex.Unlock()
	if !ok {
		return nil
	}
	if err := dialog.Hangup(ctx); err != nil {
		return fmt.Errorf("sip hangup: %w", err)
	}
	return nil
}

func (s *SIPDialer) ActiveDialogs() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.dialogs)
}
