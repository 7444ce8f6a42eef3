package stt

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeepgram(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *Deepgram {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)

	return NewDeepgram(DeepgramConfig{
		APIKey:  "dg-key",
		BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func collect(t *testing.T, results <-chan Result) []Result {
	t.Helper()
	var out []Result
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r, ok := <-results:
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatal("results channel was not closed")
			return out
		}
	}
}

func TestDeepgramStream(t *testing.T) {
	received := make(chan []byte, 1)
	control := make(chan string, 4)
	d := newTestDeepgram(t, func(conn *websocket.Conn, r *http.Request) {
		assert.Equal(t, "Token dg-key", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "/v1/listen", r.URL.Path)
		assert.Equal(t, "nova-2-phonecall", q.Get("model"))
		assert.Equal(t, "en-IN", q.Get("language"))
		assert.Equal(t, "linear16", q.Get("encoding"))
		assert.Equal(t, "8000", q.Get("sample_rate"))
		assert.Equal(t, "true", q.Get("interim_results"))

		kind, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, kind)
		received <- data

		for _, msg := range []string{
			`{"type":"Metadata"}`,
			`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"haan"}]}}`,
			`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
			`not json`,
			`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"haan ji"}]}}`,
		} {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		}

		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage {
				control <- string(data)
			}
		}
	})

	stream, err := d.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, stream.SendAudio([]byte{1, 2, 3, 4}))
	assert.Equal(t, []byte{1, 2, 3, 4}, <-received)

	var got []Result
	for len(got) < 2 {
		select {
		case r := <-stream.Results():
			got = append(got, r)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}
	assert.Equal(t, []Result{{Text: "haan"}, {Text: "haan ji", Final: true}}, got)

	require.NoError(t, stream.Close())
	assert.Empty(t, collect(t, stream.Results()))
	assert.NoError(t, stream.Err())
	assert.Error(t, stream.SendAudio([]byte{0}))

	select {
	case msg := <-control:
		assert.JSONEq(t, `{"type":"CloseStream"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("CloseStream was not sent")
	}
}

func TestDeepgramStreamReportsDroppedConnection(t *testing.T) {
	d := newTestDeepgram(t, func(conn *websocket.Conn, r *http.Request) {
		conn.UnderlyingConn().Close()
	})

	stream, err := d.Open(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	assert.Empty(t, collect(t, stream.Results()))
	assert.ErrorContains(t, stream.Err(), "deepgram read")
}

func TestDeepgramOpenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := NewDeepgram(DeepgramConfig{BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http")}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := d.Open(context.Background())
	assert.ErrorContains(t, err, "401")
}
