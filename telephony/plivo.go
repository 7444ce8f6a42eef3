package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type PlivoConfig struct {
	AuthID     string
	AuthToken  string
	BaseURL    string
	From       string
	CallerName string
	Timeout    time.Duration
}

// Plivo places calls through the Plivo voice REST API. Audio arrives later
// over the stream requested by the answer URL.
type Plivo struct {
	config PlivoConfig
	client *http.Client
	logger *slog.Logger
}

func NewPlivo(config PlivoConfig, logger *slog.Logger) *Plivo {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.plivo.com/v1"
	}
	if config.Timeout <= 0 {
		config.Timeout = 9 * time.Second
	}
	return &Plivo{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

type plivoCallRequest struct {
	From         string `json:"from"`
	To           string `json:"to"`
	AnswerURL    string `json:"answer_url"`
	AnswerMethod string `json:"answer_method"`
	CallerName   string `json:"caller_name,omitempty"`
	HangupURL    string `json:"hangup_url,omitempty"`
	HangupMethod string `json:"hangup_method,omitempty"`
	TimeLimit    int    `json:"time_limit,omitempty"`
}

type plivoCallResponse struct {
	APIID       string          `json:"api_id"`
	Message     string          `json:"message"`
	Error       string          `json:"error"`
	RequestUUID json.RawMessage `json:"request_uuid"`
}

// requestID accepts both the single id and the list form of request_uuid.
func (r plivoCallResponse) requestID() (string, error) {
	var id string
	if err := json.Unmarshal(r.RequestUUID, &id); err == nil && id != "" {
		return id, nil
	}
	var ids []string
	if err := json.Unmarshal(r.RequestUUID, &ids); err == nil && len(ids) > 0 {
		return ids[0], nil
	}
	return "", errors.New("response has no request_uuid")
}

func (p *Plivo) accountURL(parts ...string) string {
	segments := append([]string{strings.TrimSuffix(p.config.BaseURL, "/"), "Account", url.PathEscape(p.config.AuthID)}, parts...)
	return strings.Join(segments, "/") + "/"
}

func (p *Plivo) do(ctx context.Context, method, target string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(p.config.AuthID, p.config.AuthToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return p.client.Do(req)
}

func (p *Plivo) Dial(ctx context.Context, r DialRequest) (Leg, error) {
	call := plivoCallRequest{
		From:         p.config.From,
		To:           r.To,
		AnswerURL:    r.AnswerURL,
		AnswerMethod: http.MethodPost,
		CallerName:   p.config.CallerName,
		HangupURL:    r.HangupURL,
		TimeLimit:    int(r.TimeLimit / time.Second),
	}
	if call.HangupURL != "" {
		call.HangupMethod = http.MethodPost
	}

	res, err := p.do(ctx, http.MethodPost, p.accountURL("Call"), call)
	if err != nil {
		return Leg{}, fmt.Errorf("%w: %w", ErrDialFailed, err)
	}
	defer res.Body.Close()

	var body plivoCallResponse
	decodeErr := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&body)
	if res.StatusCode/100 != 2 {
		message := body.Error
		if message == "" {
			message = body.Message
		}
		return Leg{}, fmt.Errorf("%w: plivo returned %d: %s", ErrDialFailed, res.StatusCode, message)
	}
	if decodeErr != nil {
		return Leg{}, fmt.Errorf("%w: decode response: %w", ErrDialFailed, decodeErr)
	}
	id, err := body.requestID()
	if err != nil {
		return Leg{}, fmt.Errorf("%w: %w", ErrDialFailed, err)
	}

	p.logger.Debug("Call queued", "session_id", r.SessionID, "request_uuid", id, "api_id", body.APIID)
	return Leg{RequestID: id}, nil
}

// Hangup deletes the live call when it was answered, otherwise the queued
// request. Plivo answers 404 for legs that already ended.
func (p *Plivo) Hangup(ctx context.Context, leg Leg) error {
	var target string
	switch {
	case leg.CallUUID != "":
		target = p.accountURL("Call", url.PathEscape(leg.CallUUID))
	case leg.RequestID != "":
		target = p.accountURL("Request", url.PathEscape(leg.RequestID))
	default:
		return nil
	}

	res, err := p.do(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return fmt.Errorf("plivo hangup: %w", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))

	switch {
	case res.StatusCode == http.StatusNotFound:
		p.logger.Debug("Call already ended", "request_uuid", leg.RequestID, "call_uuid", leg.CallUUID)
		return nil
	case res.StatusCode/100 != 2:
		return fmt.Errorf("plivo hangup: status %d", res.StatusCode)
	}
	return nil
}
