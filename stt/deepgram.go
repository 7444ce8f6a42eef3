package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Result is a recognized speech segment. Final segments will not change.
type Result struct {
	Text  string
	Final bool
}

// Service opens one recognition stream per call.
type Service interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream accepts 16-bit PCM and yields results. Results is closed when the
// stream ends; Err reports why.
type Stream interface {
	SendAudio(pcm []byte) error
	Results() <-chan Result
	Err() error
	Close() error
}

type DeepgramConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Language   string
	SampleRate int
	KeepAlive  time.Duration
}

// Deepgram streams audio to the Deepgram live transcription API.
type Deepgram struct {
	config DeepgramConfig
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewDeepgram(config DeepgramConfig, logger *slog.Logger) *Deepgram {
	if config.BaseURL == "" {
		config.BaseURL = "wss://api.deepgram.com"
	}
	if config.Model == "" {
		config.Model = "nova-2-phonecall"
	}
	if config.Language == "" {
		config.Language = "en-IN"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 8000
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = 5 * time.Second
	}
	return &Deepgram{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}
}

func (d *Deepgram) listenURL() string {
	q := url.Values{}
	q.Set("model", d.config.Model)
	q.Set("language", d.config.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(d.config.SampleRate))
	q.Set("channels", "1")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	return d.config.BaseURL + "/v1/listen?" + q.Encode()
}

func (d *Deepgram) Open(ctx context.Context) (Stream, error) {
	header := http.Header{}
	header.Set("Authorization", "Token "+d.config.APIKey)

	conn, resp, err := d.dialer.DialContext(ctx, d.listenURL(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram connect: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("deepgram connect: %w", err)
	}

	s := &deepgramStream{
		conn:    conn,
		results: make(chan Result, 32),
		done:    make(chan struct{}),
		logger:  d.logger,
	}
	go s.readLoop()
	go s.keepAlive(d.config.KeepAlive)
	return s, nil
}

type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type deepgramStream struct {
	conn    *websocket.Conn
	results chan Result
	done    chan struct{}
	logger  *slog.Logger

	writeMutex sync.Mutex
	closeOnce  sync.Once
	errMutex   sync.Mutex
	err        error
}

func (s *deepgramStream) readLoop() {
	defer close(s.results)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.setErr(fmt.Errorf("deepgram read: %w", err))
				}
			}
			return
		}

		var msg deepgramResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("Dropping malformed deepgram message", "error", err)
			continue
		}
		if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
			continue
		}
		text := msg.Channel.Alternatives[0].Transcript
		if text == "" {
			continue
		}
		select {
		case s.results <- Result{Text: text, Final: msg.IsFinal}:
		case <-s.done:
			return
		}
	}
}

func (s *deepgramStream) keepAlive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.writeJSON(map[string]string{"type": "KeepAlive"}); err != nil {
				return
			}
		}
	}
}

func (s *deepgramStream) writeJSON(v any) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *deepgramStream) SendAudio(pcm []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: stream closed")
	default:
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *deepgramStream) Results() <-chan Result { return s.results }

func (s *deepgramStream) setErr(err error) {
	s.errMutex.Lock()
	defer s.errMutex.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *deepgramStream) Err() error {
	s.errMutex.Lock()
	defer s.errMutex.Unlock()
	return s.err
}

func (s *deepgramStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.writeJSON(map[string]string{"type": "CloseStream"})
		err = s.conn.Close()
	})
	return err
}
