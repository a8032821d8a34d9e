package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianktoo/turtle-talk/internal/domain"
	"github.com/ianktoo/turtle-talk/internal/transport"
	"github.com/ianktoo/turtle-talk/internal/voicestate"
)

type staticURL struct {
	url string
	err error
}

func (s staticURL) SignedURL(context.Context) (string, error) { return s.url, s.err }

type chanSource struct {
	frames chan []byte
}

func (s *chanSource) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f := <-s.frames:
		return f, nil
	}
}

func (s *chanSource) Close() error { return nil }

type recordingSink struct {
	mu      sync.Mutex
	chunks  [][]byte
	flushes int
}

func (s *recordingSink) WriteChunk(data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, data)
	return nil
}

func (s *recordingSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

func (s *recordingSink) count() (chunks, flushes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks), s.flushes
}

// agent plays the vendor side of the conversation socket.
type agent struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	received chan map[string]any
}

func newAgent(t *testing.T) *agent {
	t.Helper()
	a := &agent{conns: make(chan *websocket.Conn, 1), received: make(chan map[string]any, 64)}
	upgrader := websocket.Upgrader{}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		a.conns <- ws
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				a.received <- m
			}
		}
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *agent) url() string { return "ws" + strings.TrimPrefix(a.srv.URL, "http") }

func (a *agent) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-a.conns:
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("provider never connected")
		return nil
	}
}

func (a *agent) next(t *testing.T, typ string) map[string]any {
	t.Helper()
	return a.nextMatching(t, typ, func(m map[string]any) bool { return m["type"] == typ })
}

func (a *agent) nextMatching(t *testing.T, what string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-a.received:
			if match(m) {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s message", what)
			return nil
		}
	}
}

type harness struct {
	p      *Provider
	agent  *agent
	ws     *websocket.Conn
	sink   *recordingSink
	source *chanSource

	mu          sync.Mutex
	transcripts []string
	messages    [][]domain.Turn
	errs        []string
	ended       chan struct{}
}

func start(t *testing.T, opts transport.Options) *harness {
	t.Helper()
	return startWith(t, Config{ReplyQuiet: 30 * time.Millisecond}, opts)
}

func startWith(t *testing.T, cfg Config, opts transport.Options) *harness {
	t.Helper()
	hs := &harness{
		agent:  newAgent(t),
		sink:   &recordingSink{},
		source: &chanSource{frames: make(chan []byte, 8)},
		ended:  make(chan struct{}),
	}
	hs.p = New(cfg, staticURL{url: hs.agent.url()}, hs.source, hs.sink)

	ev := hs.p.Events()
	ev.OnUserTranscript(func(s string) {
		hs.mu.Lock()
		defer hs.mu.Unlock()
		hs.transcripts = append(hs.transcripts, s)
	})
	ev.OnMessages(func(turns []domain.Turn) {
		hs.mu.Lock()
		defer hs.mu.Unlock()
		hs.messages = append(hs.messages, turns)
	})
	ev.OnError(func(msg string) {
		hs.mu.Lock()
		defer hs.mu.Unlock()
		hs.errs = append(hs.errs, msg)
	})
	var once sync.Once
	ev.OnEnd(func() { once.Do(func() { close(hs.ended) }) })
	t.Cleanup(hs.p.Stop)

	require.NoError(t, hs.p.Start(context.Background(), opts))
	hs.ws = hs.agent.conn(t)
	return hs
}

func (hs *harness) send(t *testing.T, v map[string]any) {
	t.Helper()
	require.NoError(t, hs.ws.WriteJSON(v))
}

func (hs *harness) state() voicestate.State { return hs.p.State().State }

func (hs *harness) waitState(t *testing.T, want voicestate.State) {
	t.Helper()
	require.Eventually(t, func() bool { return hs.state() == want }, 2*time.Second, 5*time.Millisecond,
		"state %s, want %s", hs.state(), want)
}

func (hs *harness) waitEnded(t *testing.T) {
	t.Helper()
	select {
	case <-hs.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func (hs *harness) messageCount() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return len(hs.messages)
}

func TestStartSendsConversationSetup(t *testing.T) {
	hs := start(t, transport.Options{ChildName: "Mia", Topics: []string{"crabs", "boats"}})

	setup := hs.agent.next(t, eventInitiationClientData)
	override := setup["conversation_config_override"].(map[string]any)
	prompt := override["agent"].(map[string]any)["prompt"].(map[string]any)["prompt"].(string)
	assert.Contains(t, prompt, "Mia")
	vars := setup["dynamic_variables"].(map[string]any)
	assert.Equal(t, "Mia", vars["child_name"])
	assert.Equal(t, "crabs, boats", vars["topics"])

	assert.Equal(t, voicestate.StateListening, hs.state())
	assert.ErrorIs(t, hs.p.Start(context.Background(), transport.Options{}), transport.ErrAlreadyStarted)
}

func TestStartSignedURLFailure(t *testing.T) {
	p := New(Config{}, staticURL{err: errors.New("no agent")}, &chanSource{frames: make(chan []byte)}, &recordingSink{})
	var errs []string
	p.Events().OnError(func(msg string) { errs = append(errs, msg) })

	require.Error(t, p.Start(context.Background(), transport.Options{}))
	assert.Equal(t, []string{msgConnect}, errs)
	assert.Equal(t, voicestate.StateIdle, p.State().State)
}

func TestConversationTurn(t *testing.T) {
	hs := startWith(t, Config{ReplyQuiet: 200 * time.Millisecond}, transport.Options{})

	hs.send(t, map[string]any{"type": eventPing, "ping_event": map[string]any{"event_id": 7, "ping_ms": 20}})
	assert.EqualValues(t, 7, hs.agent.next(t, eventPong)["event_id"])

	hs.send(t, map[string]any{"type": eventVADScore, "vad_score_event": map[string]any{"vad_score": 0.95}})
	hs.waitState(t, voicestate.StateRecording)

	hs.send(t, map[string]any{"type": eventUserTranscript, "user_transcription_event": map[string]any{"user_transcript": "I saw a crab"}})
	hs.waitState(t, voicestate.StateProcessing)

	hs.send(t, map[string]any{"type": eventClientToolCall, "client_tool_call": map[string]any{
		"tool_name": "report_mood", "tool_call_id": "t1", "parameters": map[string]any{"mood": "surprised"},
	}})
	result := hs.agent.next(t, eventClientToolResult)
	assert.Equal(t, "t1", result["tool_call_id"])
	assert.Equal(t, `{"ok":true}`, result["result"])
	assert.Equal(t, false, result["is_error"])

	hs.send(t, map[string]any{"type": eventAgentResponse, "agent_response_event": map[string]any{"agent_response": "A crab? Tell me more!"}})
	hs.send(t, map[string]any{"type": eventAudio, "audio_event": map[string]any{"audio_base_64": "AQID", "event_id": 1}})
	hs.waitState(t, voicestate.StateSpeaking)
	require.Eventually(t, func() bool { n, _ := hs.sink.count(); return n == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return hs.messageCount() == 1 }, time.Second, 5*time.Millisecond)
	hs.mu.Lock()
	assert.Equal(t, []string{"I saw a crab"}, hs.transcripts)
	assert.Equal(t, []domain.Turn{
		{Role: domain.RoleUser, Content: "I saw a crab"},
		{Role: domain.RoleAssistant, Content: "A crab? Tell me more!"},
	}, hs.messages[0])
	hs.mu.Unlock()

	// The reply is over once the audio goes quiet.
	hs.waitState(t, voicestate.StateListening)
}

func TestUnknownToolReportsError(t *testing.T) {
	hs := start(t, transport.Options{})

	hs.send(t, map[string]any{"type": eventClientToolCall, "client_tool_call": map[string]any{
		"tool_name": "launch_rocket", "tool_call_id": "t9", "parameters": map[string]any{},
	}})
	result := hs.agent.next(t, eventClientToolResult)
	assert.Equal(t, true, result["is_error"])
}

func TestEndConversationStopsAfterGoodbye(t *testing.T) {
	hs := start(t, transport.Options{})

	hs.send(t, map[string]any{"type": eventClientToolCall, "client_tool_call": map[string]any{
		"tool_name": "end_conversation", "tool_call_id": "t1", "parameters": map[string]any{},
	}})
	hs.agent.next(t, eventClientToolResult)
	hs.send(t, map[string]any{"type": eventAgentResponse, "agent_response_event": map[string]any{"agent_response": "Bye bye!"}})

	hs.waitEnded(t)
	assert.Equal(t, voicestate.StateEnded, hs.state())
}

func TestInterruptionFlushesReply(t *testing.T) {
	hs := startWith(t, Config{ReplyQuiet: time.Minute}, transport.Options{})

	hs.send(t, map[string]any{"type": eventAudio, "audio_event": map[string]any{"audio_base_64": "AQID", "event_id": 1}})
	hs.waitState(t, voicestate.StateSpeaking)

	hs.send(t, map[string]any{"type": eventInterruption})
	require.Eventually(t, func() bool { _, f := hs.sink.count(); return f == 1 }, time.Second, 5*time.Millisecond)
	hs.waitState(t, voicestate.StateListening)
}

func TestAudioIsUploadedUnlessMuted(t *testing.T) {
	hs := start(t, transport.Options{})

	hs.source.frames <- []byte{1, 2, 3, 4}
	chunk := hs.agent.nextMatching(t, "audio", func(m map[string]any) bool { _, ok := m["user_audio_chunk"]; return ok })
	assert.Equal(t, "AQIDBA==", chunk["user_audio_chunk"])

	hs.p.SetMuted(true)
	assert.True(t, hs.p.captureMuted())
	assert.Equal(t, voicestate.StateMuted, hs.state())
	hs.p.SetMuted(false)
	assert.False(t, hs.p.captureMuted())
}

func TestRemoteCloseEndsSession(t *testing.T) {
	hs := start(t, transport.Options{})

	require.NoError(t, hs.ws.Close())
	hs.waitEnded(t)
	hs.mu.Lock()
	defer hs.mu.Unlock()
	assert.Equal(t, []string{msgDisconnected}, hs.errs)
}

func TestSigner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/convai/conversation/get_signed_url", r.URL.Path)
		assert.Equal(t, "agent-1", r.URL.Query().Get("agent_id"))
		assert.Equal(t, "xi-test", r.Header.Get("xi-api-key"))
		_, _ = w.Write([]byte(`{"signed_url":"wss://agent.example/convai?token=abc"}`))
	}))
	defer srv.Close()

	signed, err := NewSigner("xi-test", "agent-1", srv.URL, nil).SignedURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://agent.example/convai?token=abc", signed)

	_, err = NewSigner("", "agent-1", srv.URL, nil).SignedURL(context.Background())
	assert.Error(t, err)
}

func TestEndpointSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"signedUrl":"wss://agent.example/x"}`))
	}))
	defer srv.Close()

	signed, err := NewEndpointSource(srv.URL, nil).SignedURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://agent.example/x", signed)
}
