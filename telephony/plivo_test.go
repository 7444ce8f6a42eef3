package telephony

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlivo(t *testing.T, handler http.HandlerFunc) *Plivo {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewPlivo(PlivoConfig{
		AuthID:     "MAXXXX",
		AuthToken:  "secret",
		BaseURL:    srv.URL + "/v1",
		From:       "918000000000",
		CallerName: "VAHAN",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPlivoDial(t *testing.T) {
	var got plivoCallRequest
	p := newTestPlivo(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/Account/MAXXXX/Call/", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "MAXXXX", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"api_id":"a1","message":"call fired","request_uuid":"req-123"}`))
	})

	leg, err := p.Dial(context.Background(), DialRequest{
		To:        "919800000001",
		SessionID: "s1",
		AnswerURL: "https://bot.example.com/callStream?session=s1",
		HangupURL: "https://bot.example.com/callHangup?session=s1",
		TimeLimit: 5 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, Leg{RequestID: "req-123"}, leg)

	assert.Equal(t, plivoCallRequest{
		From:         "918000000000",
		To:           "919800000001",
		AnswerURL:    "https://bot.example.com/callStream?session=s1",
		AnswerMethod: "POST",
		CallerName:   "VAHAN",
		HangupURL:    "https://bot.example.com/callHangup?session=s1",
		HangupMethod: "POST",
		TimeLimit:    300,
	}, got)
}

func TestPlivoDialAcceptsRequestUUIDList(t *testing.T) {
	p := newTestPlivo(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"request_uuid":["req-1","req-2"]}`))
	})
	leg, err := p.Dial(context.Background(), DialRequest{To: "919800000001"})
	require.NoError(t, err)
	assert.Equal(t, "req-1", leg.RequestID)
}

func TestPlivoDialErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"rejected", http.StatusBadRequest, `{"error":"invalid destination number"}`, "invalid destination number"},
		{"unauthorized", http.StatusUnauthorized, `{"message":"authentication failed"}`, "401"},
		{"missing id", http.StatusCreated, `{"message":"call fired"}`, "request_uuid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPlivo(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := p.Dial(context.Background(), DialRequest{To: "919800000001"})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDialFailed)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPlivoHangup(t *testing.T) {
	var paths []string
	status := http.StatusNoContent
	p := newTestPlivo(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		paths = append(paths, r.URL.Path)
		w.WriteHeader(status)
	})
	ctx := context.Background()

	require.NoError(t, p.Hangup(ctx, Leg{RequestID: "req-1", CallUUID: "call-1"}))
	require.NoError(t, p.Hangup(ctx, Leg{RequestID: "req-2"}))
	require.NoError(t, p.Hangup(ctx, Leg{}))
	assert.Equal(t, []string{"/v1/Account/MAXXXX/Call/call-1/", "/v1/Account/MAXXXX/Request/req-2/"}, paths)

	status = http.StatusNotFound
	assert.NoError(t, p.Hangup(ctx, Leg{CallUUID: "gone"}))

	status = http.StatusInternalServerError
	assert.Error(t, p.Hangup(ctx, Leg{CallUUID: "call-3"}))
}
