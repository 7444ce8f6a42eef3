package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/Reverse-Call-Center/callflow-agent/llm"
	"github.com/Reverse-Call-Center/callflow-agent/stt"
	"github.com/Reverse-Call-Center/callflow-agent/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	mutex  sync.Mutex
	audio  chan []byte
	events *transport.EventBus
	frames int
	bytes  int
	clears int
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{audio: make(chan []byte, 16), events: transport.NewEventBus()}
}

func (t *fakeTransport) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (t *fakeTransport) Audio() <-chan []byte { return t.audio }

func (t *fakeTransport) WriteAudio(pcm []byte) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	t.frames++
	t.bytes += len(pcm)
	return nil
}

func (t *fakeTransport) ClearAudio() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.clears++
	return nil
}

func (t *fakeTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) Events() *transport.EventBus { return t.events }

func (t *fakeTransport) Info() transport.Info {
	return transport.Info{CallID: "call-uuid", StreamID: "stream-1"}
}

func (t *fakeTransport) stats() (frames, clears int, closed bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.frames, t.clears, t.closed
}

type fakeSTT struct {
	stream *fakeStream
}

func (s *fakeSTT) Open(context.Context) (stt.Stream, error) {
	return s.stream, nil
}

type fakeStream struct {
	mutex   sync.Mutex
	results chan stt.Result
	sent    int
	once    sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{results: make(chan stt.Result, 16)}
}

func (s *fakeStream) SendAudio(pcm []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sent += len(pcm)
	return nil
}

func (s *fakeStream) Results() <-chan stt.Result { return s.results }

func (s *fakeStream) Err() error { return nil }

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.results) })
	return nil
}

// scriptedLLM calls the first offered tool when the caller has just spoken
// and answers with text otherwise.
type scriptedLLM struct {
	mutex    sync.Mutex
	args     map[string]map[string]any
	requests []llm.Request
	generate func(req llm.Request) (*llm.Response, error)
}

func (m *scriptedLLM) Generate(_ context.Context, req llm.Request, onText func(string)) (*llm.Response, error) {
	m.mutex.Lock()
	m.requests = append(m.requests, req)
	m.mutex.Unlock()

	if m.generate != nil {
		resp, err := m.generate(req)
		if resp != nil && resp.Text != "" {
			onText(resp.Text)
		}
		return resp, err
	}

	last := req.Messages[len(req.Messages)-1]
	if last.Role == llm.RoleUser && len(req.Tools) > 0 {
		name := req.Tools[0].Name
		args := m.args[name]
		if args == nil {
			args = map[string]any{}
		}
		return &llm.Response{Calls: []llm.FunctionCall{{ID: name, Name: name, Args: args}}}, nil
	}

	text := "Aage badhte hain."
	if len(req.Tools) == 0 {
		text = "Dhanyawaad!"
	}
	onText(text)
	return &llm.Response{Text: text}, nil
}

func (m *scriptedLLM) systems() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]string, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, r.System)
	}
	return out
}

type fakeTTS struct {
	mutex sync.Mutex
	texts []string
	size  int
}

func (s *fakeTTS) Synthesize(ctx context.Context, text string, emit func(pcm []byte) error) error {
	s.mutex.Lock()
	s.texts = append(s.texts, text)
	s.mutex.Unlock()
	size := s.size
	if size == 0 {
		size = 640
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return emit(make([]byte, size))
}

func (s *fakeTTS) spoken() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]string(nil), s.texts...)
}
