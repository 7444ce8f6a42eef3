package handlers

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Reverse-Call-Center/callflow-agent/orchestrator"
	"github.com/Reverse-Call-Center/callflow-agent/types"
	"github.com/Reverse-Call-Center/callflow-agent/utils"
)

const maxBodyBytes = 1 << 16

type CallPlacer interface {
	PlaceCall(ctx context.Context, number string) (types.CallResult, error)
	HandleHangup(sessionID, reason string) bool
}

// CallHandler serves the dial endpoints and the telephony provider's
// answer and hangup callbacks.
type CallHandler struct {
	Calls     CallPlacer
	StreamURL func(sessionID string) string
	Logger    *slog.Logger
}

func (h CallHandler) GetData(w http.ResponseWriter, r *http.Request) {
	h.place(w, r, r.PathValue("phone"))
}

type createCallRequest struct {
	To string `json:"to"`
}

func (h CallHandler) CreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.To) == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}
	h.place(w, r, req.To)
}

// place blocks for the whole call. Failed calls still carry the partial
// result so the caller sees whatever was collected.
func (h CallHandler) place(w http.ResponseWriter, r *http.Request, number string) {
	result, err := h.Calls.PlaceCall(r.Context(), number)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, utils.ErrInvalidNumber):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrCallTimeout):
		writeJSON(w, http.StatusGatewayTimeout, result)
	case errors.Is(err, orchestrator.ErrCallFailed):
		writeJSON(w, http.StatusBadGateway, result)
	default:
		h.Logger.Error("Call could not be placed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type streamResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Stream  streamElement `xml:"Stream"`
}

type streamElement struct {
	KeepCallAlive bool   `xml:"keepCallAlive,attr"`
	Bidirectional bool   `xml:"bidirectional,attr"`
	ContentType   string `xml:"contentType,attr"`
	URL           string `xml:",chardata"`
}

// CallStream answers the provider's answer URL with the document that
// opens a bidirectional mu-law stream back to this service.
func (h CallHandler) CallStream(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session is required")
		return
	}
	doc, err := xml.Marshal(streamResponse{Stream: streamElement{
		KeepCallAlive: true,
		Bidirectional: true,
		ContentType:   "audio/x-mulaw;rate=8000",
		URL:           h.StreamURL(id),
	}})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.Logger.Debug("Answer URL requested", "session_id", id, "call_uuid", r.FormValue("CallUUID"))

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml.Header))
	w.Write(doc)
}

// CallHangup receives the provider's hangup callback. It is always
// acknowledged; the session may already be finished.
func (h CallHandler) CallHangup(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session is required")
		return
	}
	reason := r.FormValue("HangupCauseName")
	if reason == "" {
		reason = r.FormValue("HangupCause")
	}
	active := h.Calls.HandleHangup(id, reason)
	writeJSON(w, http.StatusOK, map[string]bool{"active": active})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
