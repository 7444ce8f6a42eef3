package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Reverse-Call-Center/callflow-agent/session"
	"github.com/Reverse-Call-Center/callflow-agent/transport"
	"github.com/gorilla/websocket"
)

type StreamServer interface {
	Serve(ctx context.Context, sessionID string, t transport.Transport) error
}

// StreamHandler upgrades the provider's media websocket and hands it to
// the agent for the session named in the query.
type StreamHandler struct {
	Agents         StreamServer
	Sessions       *session.Registry
	SessionTimeout time.Duration
	Logger         *slog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (h StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session is required")
		return
	}
	if _, ok := h.Sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("Websocket upgrade failed", "session_id", id, "error", err)
		return
	}

	logger := h.Logger.With("session_id", id)
	logger.Info("Media stream opened", "remote", r.RemoteAddr)
	t := transport.NewWebsocketTransport(conn, h.SessionTimeout, logger)
	if err := h.Agents.Serve(r.Context(), id, t); err != nil && !errors.Is(err, context.Canceled) {
		logger.Info("Media stream closed", "reason", err)
		return
	}
	logger.Info("Media stream closed")
}
