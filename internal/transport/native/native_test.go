package native

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianktoo/turtle-talk/internal/domain"
	"github.com/ianktoo/turtle-talk/internal/pipeline"
	"github.com/ianktoo/turtle-talk/internal/speech"
	"github.com/ianktoo/turtle-talk/internal/transport"
	"github.com/ianktoo/turtle-talk/internal/turnstream"
	"github.com/ianktoo/turtle-talk/internal/voicestate"
)

func frame(amplitude int16) []byte {
	b := make([]byte, 320)
	for i := 0; i < len(b); i += 2 {
		binary.LittleEndian.PutUint16(b[i:], uint16(amplitude))
	}
	return b
}

func TestEnergy(t *testing.T) {
	assert.Zero(t, Energy(nil))
	assert.Zero(t, Energy(frame(0)))
	assert.InDelta(t, 255, Energy(frame(32767)), 0.01)
	assert.InDelta(t, 255.0/2, Energy(frame(-16384)), 0.1)
}

func TestDetectorAttackAndRelease(t *testing.T) {
	d := NewDetector(VADConfig{Threshold: 30, Attack: 300 * time.Millisecond, Release: 500 * time.Millisecond})
	t0 := time.Unix(0, 0)
	at := func(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

	assert.Equal(t, ActionNone, d.Observe(at(0), 100, false))
	assert.Equal(t, ActionNone, d.Observe(at(200), 100, false))
	// a dip restarts the attack timer
	assert.Equal(t, ActionNone, d.Observe(at(250), 10, false))
	assert.Equal(t, ActionNone, d.Observe(at(300), 100, false))
	assert.Equal(t, ActionNone, d.Observe(at(500), 100, false))
	assert.Equal(t, ActionStart, d.Observe(at(600), 100, false))

	assert.Equal(t, ActionNone, d.Observe(at(700), 10, true))
	assert.Equal(t, ActionNone, d.Observe(at(1000), 100, true))
	assert.Equal(t, ActionNone, d.Observe(at(1100), 10, true))
	assert.Equal(t, ActionNone, d.Observe(at(1500), 10, true))
	assert.Equal(t, ActionStop, d.Observe(at(1600), 10, true))
}

func TestVADConfigDefaults(t *testing.T) {
	cfg := VADConfig{Threshold: 12}.withDefaults()
	assert.InDelta(t, 12, cfg.Threshold, 0)
	assert.Equal(t, DefaultVADConfig().Attack, cfg.Attack)
	assert.Equal(t, DefaultVADConfig().MinClipBytes, cfg.MinClipBytes)
}

type fakeMic struct {
	loud      atomic.Bool
	clipSize  int
	samples   atomic.Int32
	recording atomic.Bool
	closed    atomic.Bool
	suspended atomic.Bool
}

func (m *fakeMic) Sample() ([]byte, error) {
	if m.closed.Load() {
		return nil, transport.ErrDeviceClosed
	}
	m.samples.Add(1)
	if m.loud.Load() {
		return frame(16000), nil
	}
	return frame(0), nil
}

func (m *fakeMic) StartRecording() error {
	m.recording.Store(true)
	return nil
}

func (m *fakeMic) StopRecording() (speech.Clip, error) {
	m.recording.Store(false)
	return speech.Clip{Data: make([]byte, m.clipSize), MIMEType: "audio/wav"}, nil
}

func (m *fakeMic) Suspend() error { m.suspended.Store(true); return nil }
func (m *fakeMic) Resume() error  { m.suspended.Store(false); return nil }
func (m *fakeMic) Close() error   { m.closed.Store(true); return nil }

type fakeSpeaker struct {
	mu     sync.Mutex
	played [][]byte
}

func (s *fakeSpeaker) Play(_ context.Context, a speech.Audio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played = append(s.played, a.Data)
	return nil
}

func (s *fakeSpeaker) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.played)
}

type scriptedRunner struct {
	calls  atomic.Int32
	events []turnstream.Event
	err    error
}

func (r *scriptedRunner) RunTurn(context.Context, speech.Clip, domain.ConversationContext) iter.Seq2[turnstream.Event, error] {
	r.calls.Add(1)
	return func(yield func(turnstream.Event, error) bool) {
		for _, ev := range r.events {
			if !yield(ev, nil) {
				return
			}
		}
		if r.err != nil {
			yield(turnstream.Event{}, r.err)
		}
	}
}

type manualTicker struct{ ch chan time.Time }

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               {}

type manualClock struct{ created chan *manualTicker }

func newManualClock() *manualClock {
	return &manualClock{created: make(chan *manualTicker, 4)}
}

func (c *manualClock) NewTicker(time.Duration) voicestate.Ticker {
	t := &manualTicker{ch: make(chan time.Time)}
	c.created <- t
	return t
}

type harness struct {
	t       *testing.T
	p       *Provider
	mic     *fakeMic
	speaker *fakeSpeaker
	runner  TurnRunner
	ticker  *manualTicker
	states  chan voicestate.State
	errs    chan string
	ends    chan struct{}
	now     time.Time
}

func newHarness(t *testing.T, runner TurnRunner, clipSize int) *harness {
	t.Helper()
	clock := newManualClock()
	h := &harness{
		t:       t,
		mic:     &fakeMic{clipSize: clipSize},
		speaker: &fakeSpeaker{},
		runner:  runner,
		states:  make(chan voicestate.State, 32),
		errs:    make(chan string, 8),
		ends:    make(chan struct{}, 2),
		now:     time.Unix(1000, 0),
	}
	cfg := Config{VAD: VADConfig{Threshold: 30, Attack: 200 * time.Millisecond, Release: 200 * time.Millisecond, PollInterval: 100 * time.Millisecond, MinClipBytes: 1024}}
	h.p = New(cfg, func(context.Context) (transport.Microphone, error) { return h.mic, nil }, h.speaker, runner, WithClock(clock))
	h.p.Events().OnStateChange(func(s voicestate.State) { h.states <- s })
	h.p.Events().OnError(func(msg string) { h.errs <- msg })
	h.p.Events().OnEnd(func() { h.ends <- struct{}{} })

	require.NoError(t, h.p.Start(context.Background(), transport.Options{ChildName: "Mia"}))
	h.ticker = <-clock.created
	h.expectState(voicestate.StateListening)
	t.Cleanup(h.p.Stop)
	return h
}

func (h *harness) tick() {
	h.now = h.now.Add(100 * time.Millisecond)
	select {
	case h.ticker.ch <- h.now:
	case <-time.After(2 * time.Second):
		h.t.Fatal("poll loop did not take tick")
	}
}

func (h *harness) expectState(want voicestate.State) {
	h.t.Helper()
	select {
	case got := <-h.states:
		require.Equal(h.t, want, got)
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timed out waiting for %s", want)
	}
}

func (h *harness) expectError() string {
	h.t.Helper()
	select {
	case msg := <-h.errs:
		return msg
	case <-time.After(2 * time.Second):
		h.t.Fatal("no error event")
		return ""
	}
}

// speak drives the detector through one utterance.
func (h *harness) speak() {
	h.mic.loud.Store(true)
	for i := 0; i < 3; i++ {
		h.tick()
	}
	h.expectState(voicestate.StateRecording)
	h.mic.loud.Store(false)
	for i := 0; i < 3; i++ {
		h.tick()
	}
}

func reply(text string, mood domain.Mood, end bool) turnstream.Event {
	return turnstream.Meta(pipeline.TextResult{UserText: "I have a dog", ResponseText: text, Mood: mood, EndConversation: end})
}

func TestNativeTurn(t *testing.T) {
	runner := &scriptedRunner{events: []turnstream.Event{
		turnstream.UserText("I have a dog"),
		reply("A dog! What's its name?", domain.MoodHappy, false),
		turnstream.Audio([]byte("RIFF"), "audio/wav"),
	}}
	h := newHarness(t, runner, 4096)

	var transcripts []string
	var messages []domain.Turn
	var mu sync.Mutex
	h.p.Events().OnUserTranscript(func(s string) { mu.Lock(); transcripts = append(transcripts, s); mu.Unlock() })
	h.p.Events().OnMessages(func(m []domain.Turn) { mu.Lock(); messages = m; mu.Unlock() })

	h.speak()
	h.expectState(voicestate.StateProcessing)
	h.expectState(voicestate.StateSpeaking)
	h.expectState(voicestate.StateListening)

	assert.Equal(t, 1, h.speaker.count())
	assert.Equal(t, domain.MoodListening, h.p.State().Mood)
	mu.Lock()
	assert.Equal(t, []string{"I have a dog"}, transcripts)
	assert.Len(t, messages, 2)
	mu.Unlock()
}

func TestNativeDiscardsShortClip(t *testing.T) {
	runner := &scriptedRunner{}
	h := newHarness(t, runner, 100)

	h.speak()
	h.expectState(voicestate.StateListening)
	assert.Zero(t, runner.calls.Load())
}

func TestNativeErrorReturnsToListening(t *testing.T) {
	runner := &scriptedRunner{
		events: []turnstream.Event{turnstream.UserText("hi")},
		err:    errors.New("connection reset"),
	}
	h := newHarness(t, runner, 4096)

	h.speak()
	h.expectState(voicestate.StateProcessing)
	h.expectState(voicestate.StateListening)
	assert.NotContains(t, h.expectError(), "connection reset")
}

func TestNativeStopFromErrorHandler(t *testing.T) {
	runner := &scriptedRunner{events: []turnstream.Event{turnstream.Error("stt failed")}}
	h := newHarness(t, runner, 4096)
	h.p.Events().OnError(func(string) { h.p.Stop() })

	h.speak()
	h.expectState(voicestate.StateProcessing)
	h.expectState(voicestate.StateListening)
	h.expectState(voicestate.StateEnded)
	select {
	case <-h.ends:
	case <-time.After(2 * time.Second):
		t.Fatal("no end event")
	}
	assert.True(t, h.mic.closed.Load())
}

func TestNativeErrorEvent(t *testing.T) {
	runner := &scriptedRunner{events: []turnstream.Event{turnstream.Error("stt failed")}}
	h := newHarness(t, runner, 4096)

	h.speak()
	h.expectState(voicestate.StateProcessing)
	h.expectState(voicestate.StateListening)
	h.expectError()
}

type stubTranscriber string

func (s stubTranscriber) Transcribe(context.Context, speech.Clip) (string, error) { return string(s), nil }

type stubResponder domain.ChatResponse

func (s stubResponder) Chat(context.Context, string, domain.ConversationContext) (domain.ChatResponse, error) {
	return domain.ChatResponse(s), nil
}

type failingSynthesizer struct{}

func (failingSynthesizer) Synthesize(context.Context, string) (speech.Audio, error) {
	return speech.Audio{}, errors.New("tts quota exceeded")
}

func TestNativeSynthesisFailureEmitsError(t *testing.T) {
	orch := pipeline.New(stubTranscriber("I have a dog"),
		stubResponder{Text: "A dog! What's its name?", Mood: domain.MoodHappy}, failingSynthesizer{})
	h := newHarness(t, NewLocalRunner(orch, nil), 4096)

	h.speak()
	h.expectState(voicestate.StateProcessing)
	h.expectState(voicestate.StateListening)
	assert.NotContains(t, h.expectError(), "quota")
	assert.Zero(t, h.speaker.count())
}

func TestNativeEmptyReplyReturnsToListening(t *testing.T) {
	runner := &scriptedRunner{events: []turnstream.Event{reply("", domain.MoodIdle, false)}}
	h := newHarness(t, runner, 4096)

	h.speak()
	h.expectState(voicestate.StateProcessing)
	h.expectState(voicestate.StateListening)
	assert.Zero(t, h.speaker.count())
	assert.Empty(t, h.errs)
}

func TestNativeEndConversationStopsAfterPlayback(t *testing.T) {
	runner := &scriptedRunner{events: []turnstream.Event{
		reply("Bye bye!", domain.MoodHappy, true),
		turnstream.Audio([]byte("RIFF"), "audio/wav"),
	}}
	h := newHarness(t, runner, 4096)

	h.speak()
	h.expectState(voicestate.StateProcessing)
	h.expectState(voicestate.StateSpeaking)
	h.expectState(voicestate.StateEnded)
	select {
	case <-h.ends:
	case <-time.After(2 * time.Second):
		t.Fatal("no end event")
	}
	assert.Equal(t, 1, h.speaker.count())
	assert.True(t, h.mic.closed.Load())
}

func TestNativeSkipsSamplingDuringTurn(t *testing.T) {
	h := newHarness(t, &scriptedRunner{}, 4096)

	h.p.machine.Send(voicestate.EventVADSpeechStart)
	h.p.machine.Send(voicestate.EventVADSpeechEnd)
	before := h.mic.samples.Load()
	h.p.poll(context.Background(), h.p.gen.Current(), h.mic, time.Now())
	assert.Equal(t, before, h.mic.samples.Load())

	h.p.machine.Transition(voicestate.Event{Type: voicestate.EventMetaReceived, Mood: domain.MoodHappy})
	h.p.poll(context.Background(), h.p.gen.Current(), h.mic, time.Now())
	assert.Equal(t, before, h.mic.samples.Load())
}

func TestNativeMuteAndStop(t *testing.T) {
	h := newHarness(t, &scriptedRunner{}, 4096)

	h.p.SetMuted(true)
	h.expectState(voicestate.StateMuted)
	assert.True(t, h.mic.suspended.Load())

	h.p.SetMuted(false)
	h.expectState(voicestate.StateListening)
	assert.False(t, h.mic.suspended.Load())

	h.p.Stop()
	h.expectState(voicestate.StateEnded)
	assert.True(t, h.mic.closed.Load())
	require.Len(t, h.ends, 1)

	h.p.Stop()
	assert.Len(t, h.ends, 1)

	require.NoError(t, h.p.Start(context.Background(), transport.Options{}))
	h.expectState(voicestate.StateListening)
}

func TestNativeStartFailsWithoutMicrophone(t *testing.T) {
	p := New(Config{}, func(context.Context) (transport.Microphone, error) {
		return nil, errors.New("permission denied")
	}, &fakeSpeaker{}, &scriptedRunner{})
	var errs []string
	p.Events().OnError(func(msg string) { errs = append(errs, msg) })

	require.Error(t, p.Start(context.Background(), transport.Options{}))
	assert.Len(t, errs, 1)
	assert.Equal(t, voicestate.StateIdle, p.State().State)
}

func TestHTTPRunner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, TurnPath, r.URL.Path)
		f, hdr, err := r.FormFile("audio")
		if !assert.NoError(t, err) {
			http.Error(w, "no audio", http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		assert.Equal(t, []byte("clip"), data)
		assert.Equal(t, "clip.webm", hdr.Filename)
		assert.Contains(t, r.FormValue("context"), `"childName":"Mia"`)

		w.Header().Set("Content-Type", turnstream.ContentType)
		sw := turnstream.NewWriter(w)
		_ = sw.Write(turnstream.UserText("hello"))
		_ = sw.Write(reply("Hi Mia!", domain.MoodHappy, false))
	}))
	t.Cleanup(srv.Close)

	r := NewHTTPRunner(srv.URL+"/", srv.Client())
	var types []turnstream.EventType
	for ev, err := range r.RunTurn(context.Background(), speech.Clip{Data: []byte("clip"), MIMEType: "audio/webm"}, domain.ConversationContext{ChildName: "Mia"}) {
		require.NoError(t, err)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []turnstream.EventType{turnstream.EventUserText, turnstream.EventMeta}, types)
}

func TestHTTPRunnerStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	r := NewHTTPRunner(srv.URL, nil)
	var gotErr error
	for _, err := range r.RunTurn(context.Background(), speech.Clip{Data: []byte("x")}, domain.ConversationContext{}) {
		gotErr = err
	}
	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "429")
}

type fakeProcessor struct{}

func (fakeProcessor) ProcessWithHooks(_ context.Context, _ speech.Clip, _ domain.ConversationContext, hooks pipeline.Hooks) (pipeline.Result, error) {
	hooks.OnTranscript("hello")
	res := pipeline.TextResult{UserText: "hello", ResponseText: "Hi!", Mood: domain.MoodHappy}
	hooks.OnReply(res)
	return pipeline.Result{TextResult: res, Audio: &speech.Audio{Data: []byte("RIFF"), MIMEType: "audio/wav"}}, nil
}

func TestLocalRunner(t *testing.T) {
	r := NewLocalRunner(fakeProcessor{}, nil)
	var types []turnstream.EventType
	for ev, err := range r.RunTurn(context.Background(), speech.Clip{}, domain.ConversationContext{}) {
		require.NoError(t, err)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []turnstream.EventType{turnstream.EventUserText, turnstream.EventMeta, turnstream.EventAudio}, types)
}
