package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Reverse-Call-Center/callflow-agent/observability"
	"github.com/Reverse-Call-Center/callflow-agent/session"
)

type Deps struct {
	Calls          CallPlacer
	Agents         StreamServer
	Sessions       *session.Registry
	Metrics        *observability.Metrics
	StreamURL      func(sessionID string) string
	SessionTimeout time.Duration
	LogNumbers     bool
	Logger         *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	mux := http.NewServeMux()

	calls := CallHandler{Calls: d.Calls, StreamURL: d.StreamURL, Logger: d.Logger}
	mux.HandleFunc("GET /getData/{phone}", calls.GetData)
	mux.HandleFunc("POST /v1/calls", calls.CreateCall)
	mux.HandleFunc("/callStream", calls.CallStream)
	mux.HandleFunc("POST /callHangup", calls.CallHangup)

	mux.Handle("GET /ws", StreamHandler{
		Agents:         d.Agents,
		Sessions:       d.Sessions,
		SessionTimeout: d.SessionTimeout,
		Logger:         d.Logger,
	})
	health := HealthHandler{Sessions: d.Sessions}
	if counter, ok := d.Agents.(AgentCounter); ok {
		health.Agents = counter
	}
	mux.Handle("/healthz", health)
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}

	var h http.Handler = mux
	h = CORS(h)
	h = Recover(d.Logger, h)
	h = AccessLog(d.Logger, d.LogNumbers, h)
	h = RequestID(h)
	return h
}
