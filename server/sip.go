package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Reverse-Call-Center/callflow-agent/config"
	"github.com/Reverse-Call-Center/callflow-agent/utils"
	"github.com/emiago/diago"
	"github.com/emiago/sipgo"
)

// SIPServer owns the SIP user agent used to dial the trunk. The service
// only places calls, so inbound INVITEs are turned away.
type SIPServer struct {
	dg         *diago.Diago
	logger     *slog.Logger
	logNumbers bool
}

func NewSIPServer(globalConfig *config.Config, logger *slog.Logger) (*SIPServer, error) {
	transport := diago.Transport{
		Transport: globalConfig.SIPProtocol,
		BindHost:  globalConfig.SIPListenAddress,
		BindPort:  globalConfig.SIPPort,
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(globalConfig.FromNumber))
	if err != nil {
		return nil, fmt.Errorf("create SIP user agent: %w", err)
	}

	return &SIPServer{
		dg:         diago.NewDiago(ua, diago.WithTransport(transport), diago.WithLogger(logger)),
		logger:     logger,
		logNumbers: globalConfig.LogPhoneNumbers,
	}, nil
}

func (s *SIPServer) Diago() *diago.Diago { return s.dg }

// Run listens until ctx ends. Dialing through Diago works once Run has
// started the listeners.
func (s *SIPServer) Run(ctx context.Context) error {
	s.logger.Info("Starting SIP server")
	if err := s.dg.ServeBackground(ctx, s.handleIncomingCall); err != nil {
		return fmt.Errorf("sip serve: %w", err)
	}
	<-ctx.Done()
	return nil
}

func (s *SIPServer) handleIncomingCall(inDialog *diago.DialogServerSession) {
	callerID := utils.ExtractCallerPhone(inDialog.InviteRequest.Headers())
	if !s.logNumbers {
		callerID = utils.MaskNumber(callerID)
	}
	s.logger.Info("Rejecting inbound call", "dialog_id", inDialog.Id(), "caller", callerID)

	inDialog.Trying()
	if err := inDialog.Hangup(inDialog.Context()); err != nil {
		s.logger.Warn("Failed to reject inbound call", "dialog_id", inDialog.Id(), "error", err)
	}
}
