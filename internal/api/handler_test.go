//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ianktoo/turtle-talk/internal/convlog"
	"github.com/ianktoo/turtle-talk/internal/domain"
	"github.com/ianktoo/turtle-talk/internal/identity"
	"github.com/ianktoo/turtle-talk/internal/memory"
	"github.com/ianktoo/turtle-talk/internal/pipeline"
	"github.com/ianktoo/turtle-talk/internal/speech"
	"github.com/ianktoo/turtle-talk/internal/store"
	"github.com/ianktoo/turtle-talk/internal/transport/realtime"
	"github.com/ianktoo/turtle-talk/internal/turnstream"
)

const testUser = "dev_0123456789abcdef0123456789abcdef"

type fakePipeline struct {
	result pipeline.TextResult
	audio  *speech.Audio
	err    error

	mu       sync.Mutex
	gotConv  domain.ConversationContext
	gotClip  speech.Clip
	gotText  string
	textCall int
}

func (f *fakePipeline) ProcessWithHooks(_ context.Context, clip speech.Clip, conv domain.ConversationContext, hooks pipeline.Hooks) (pipeline.Result, error) {
	f.mu.Lock()
	f.gotConv, f.gotClip = conv, clip
	f.mu.Unlock()
	if f.err != nil {
		return pipeline.Result{}, f.err
	}
	if f.result.UserText != "" && hooks.OnTranscript != nil {
		hooks.OnTranscript(f.result.UserText)
	}
	if hooks.OnReply != nil {
		hooks.OnReply(f.result)
	}
	return pipeline.Result{TextResult: f.result, Audio: f.audio}, nil
}

func (f *fakePipeline) ProcessText(_ context.Context, text string, conv domain.ConversationContext) (pipeline.TextResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotText, f.gotConv = text, conv
	f.textCall++
	if f.err != nil {
		return pipeline.TextResult{}, f.err
	}
	res := f.result
	res.UserText = text
	return res, nil
}

type recordingLog struct {
	mu     sync.Mutex
	events []convlog.Event
}

func (r *recordingLog) Log(ev convlog.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingLog) Close() error { return nil }

type fixture struct {
	router http.Handler
	repo   store.Repository
	pipe   *fakePipeline
	log    *recordingLog
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "turtle.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	f := &fixture{repo: repo, log: &recordingLog{}}
	if cfg.Pipeline == nil {
		f.pipe = &fakePipeline{result: pipeline.TextResult{
			UserText:     "I saw a crab",
			ResponseText: "A crab! Did it walk sideways?",
			Mood:         domain.MoodHappy,
			Outcome:      pipeline.OutcomeOK,
		}}
		cfg.Pipeline = f.pipe
	}
	cfg.Repo = repo
	cfg.Keeper = memory.NewKeeper(repo, 4, nil)
	cfg.ConvLog = f.log

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(identity.WithUserID(req.Context(), testUser)))
		})
	})
	NewHandler(cfg).RegisterRoutes(r)
	f.router = r
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func turnRequest(t *testing.T, audio []byte, convJSON string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if audio != nil {
		part, err := mw.CreateFormFile("audio", "clip.webm")
		if err != nil {
			t.Fatal(err)
		}
		_, _ = part.Write(audio)
	}
	if convJSON != "" {
		_ = mw.WriteField("context", convJSON)
	}
	_ = mw.WriteField("mimeType", "audio/webm")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/turn", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func readEvents(t *testing.T, body *bytes.Buffer) []turnstream.Event {
	t.Helper()
	var out []turnstream.Event
	for ev, err := range turnstream.Read(body) {
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestTurnStreamsEventsAndRemembers(t *testing.T) {
	f := newFixture(t, Config{})
	f.pipe.audio = &speech.Audio{Data: []byte("mp3"), MIMEType: "audio/mpeg"}

	w := f.do(turnRequest(t, []byte("webm-bytes"), `{"childName":"Mia","difficultyProfile":"wizard"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != turnstream.ContentType {
		t.Fatalf("Content-Type = %q", ct)
	}

	events := readEvents(t, w.Body)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Type != turnstream.EventUserText || events[0].Text != "I saw a crab" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Type != turnstream.EventMeta || events[1].Meta.Mood != domain.MoodHappy {
		t.Errorf("second event = %+v", events[1])
	}
	if events[2].Type != turnstream.EventAudio || string(events[2].Audio) != "mp3" {
		t.Errorf("third event = %+v", events[2])
	}

	if f.pipe.gotConv.ChildName != "Mia" {
		t.Errorf("ChildName = %q, want Mia", f.pipe.gotConv.ChildName)
	}
	if f.pipe.gotConv.Difficulty != "" {
		t.Errorf("invalid difficulty kept: %q", f.pipe.gotConv.Difficulty)
	}
	if f.pipe.gotClip.MIMEType != "audio/webm" {
		t.Errorf("MIMEType = %q", f.pipe.gotClip.MIMEType)
	}

	mem, err := f.repo.GetMemory(context.Background(), testUser)
	if err != nil || mem == nil {
		t.Fatalf("GetMemory = %v, %v", mem, err)
	}
	if len(mem.Messages) != 2 || mem.Messages[1].Content != "A crab! Did it walk sideways?" {
		t.Errorf("remembered messages = %+v", mem.Messages)
	}
	if len(f.log.events) != 2 || f.log.events[0].Channel != convlog.ChannelTurn {
		t.Errorf("logged events = %+v", f.log.events)
	}
}

func TestTurnFailureStreamsApology(t *testing.T) {
	f := newFixture(t, Config{})
	f.pipe.err = &pipeline.StageError{Stage: pipeline.StageSTT, Err: errors.New("whisper down")}

	w := f.do(turnRequest(t, []byte("webm"), ""))
	events := readEvents(t, w.Body)
	if len(events) != 1 || events[0].Type != turnstream.EventError {
		t.Fatalf("events = %+v", events)
	}
	if strings.Contains(events[0].Error, "whisper") {
		t.Errorf("error event leaks cause: %q", events[0].Error)
	}

	mem, _ := f.repo.GetMemory(context.Background(), testUser)
	if mem != nil {
		t.Errorf("failed turn was remembered: %+v", mem)
	}
}

func TestTurnValidation(t *testing.T) {
	f := newFixture(t, Config{MaxAudioBytes: 16})

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"missing audio", turnRequest(t, nil, ""), http.StatusBadRequest},
		{"empty audio", turnRequest(t, []byte{}, ""), http.StatusBadRequest},
		{"oversized audio", turnRequest(t, bytes.Repeat([]byte("a"), 64), ""), http.StatusRequestEntityTooLarge},
		{"bad context", turnRequest(t, []byte("webm"), "{nope"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := f.do(tt.req); w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func chatRequestBody(t *testing.T, message string) *http.Request {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"message": message, "context": map[string]any{"topics": []string{"crabs"}}})
	return httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
}

func TestChat(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(chatRequestBody(t, "  hello turtle  "))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var res pipeline.TextResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.ResponseText != "A crab! Did it walk sideways?" || res.Outcome != pipeline.OutcomeOK {
		t.Errorf("result = %+v", res)
	}
	if f.pipe.gotText != "hello turtle" {
		t.Errorf("message = %q", f.pipe.gotText)
	}
	if len(f.pipe.gotConv.Topics) != 1 {
		t.Errorf("topics = %v", f.pipe.gotConv.Topics)
	}

	if w := f.do(chatRequestBody(t, "   ")); w.Code != http.StatusBadRequest {
		t.Errorf("blank message status = %d", w.Code)
	}

	f.pipe.err = errors.New("model overloaded")
	w = f.do(chatRequestBody(t, "again"))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("failure status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "overloaded") {
		t.Errorf("error body leaks cause: %s", w.Body.String())
	}
}

func TestChatBlockedTurnIsNotRemembered(t *testing.T) {
	f := newFixture(t, Config{})
	f.pipe.result = pipeline.TextResult{ResponseText: pipeline.DefaultFallbackText, Outcome: pipeline.OutcomeBlockedInput}

	if w := f.do(chatRequestBody(t, "something rude")); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	mem, _ := f.repo.GetMemory(context.Background(), testUser)
	if mem != nil {
		t.Errorf("blocked turn was remembered: %+v", mem)
	}
}

func TestMissionLifecycle(t *testing.T) {
	f := newFixture(t, Config{})

	body := `{"title":"Say hi to a neighbour","description":"Wave and smile","theme":"SOCIAL","difficulty":"easy"}`
	w := f.do(httptest.NewRequest(http.MethodPost, "/api/missions", strings.NewReader(body)))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var mission domain.Mission
	if err := json.NewDecoder(w.Body).Decode(&mission); err != nil {
		t.Fatal(err)
	}
	if mission.ID == "" || mission.Theme != domain.ThemeSocial || mission.Status != domain.MissionActive {
		t.Fatalf("mission = %+v", mission)
	}

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/memory", nil))
	var mem memoryResponse
	if err := json.NewDecoder(w.Body).Decode(&mem); err != nil {
		t.Fatal(err)
	}
	if mem.ActiveMission == nil || mem.ActiveMission.ID != mission.ID {
		t.Fatalf("memory = %+v", mem)
	}

	w = f.do(httptest.NewRequest(http.MethodPost, "/api/missions/"+mission.ID+"/complete", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("complete status = %d", w.Code)
	}
	w = f.do(httptest.NewRequest(http.MethodPost, "/api/missions/"+mission.ID+"/complete", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("second complete status = %d", w.Code)
	}

	w = f.do(httptest.NewRequest(http.MethodPost, "/api/missions", strings.NewReader(`{"title":"  "}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("untitled mission status = %d", w.Code)
	}
}

type fakeMinter struct{ err error }

func (m fakeMinter) Mint(context.Context) (realtime.EphemeralKey, error) {
	return realtime.EphemeralKey{Value: "ek_123", ExpiresAt: time.Unix(1700000000, 0)}, m.err
}

type fakeSigner struct{}

func (fakeSigner) SignedURL(context.Context) (string, error) {
	return "wss://voice.example/convai?token=abc", nil
}

type fakeIssuer struct{}

func (fakeIssuer) Issue(userID, _ string) (string, time.Time, error) {
	return "jwt-for-" + userID, time.Unix(1700000600, 0), nil
}

func TestTokenEndpoints(t *testing.T) {
	unconfigured := newFixture(t, Config{})
	for _, path := range []string{"/api/realtime/token", "/api/telephony/signed-url", "/api/relay/token"} {
		if w := unconfigured.do(httptest.NewRequest(http.MethodPost, path, nil)); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, w.Code)
		}
	}

	f := newFixture(t, Config{
		Realtime:    fakeMinter{},
		Telephony:   fakeSigner{},
		Relay:       fakeIssuer{},
		RelayTarget: "relay.example:9090",
	})

	w := f.do(httptest.NewRequest(http.MethodPost, "/api/realtime/token", nil))
	var key realtime.EphemeralKey
	if err := json.NewDecoder(w.Body).Decode(&key); err != nil || key.Value != "ek_123" {
		t.Errorf("realtime token = %+v, %v", key, err)
	}

	w = f.do(httptest.NewRequest(http.MethodPost, "/api/telephony/signed-url", nil))
	var signed map[string]string
	_ = json.NewDecoder(w.Body).Decode(&signed)
	if !strings.HasPrefix(signed["signedUrl"], "wss://") {
		t.Errorf("signed url = %v", signed)
	}

	w = f.do(httptest.NewRequest(http.MethodPost, "/api/relay/token", nil))
	var relay map[string]any
	_ = json.NewDecoder(w.Body).Decode(&relay)
	if relay["token"] != "jwt-for-"+testUser || relay["target"] != "relay.example:9090" {
		t.Errorf("relay token = %v", relay)
	}

	failing := newFixture(t, Config{Realtime: fakeMinter{err: errors.New("upstream 500")}})
	if w := failing.do(httptest.NewRequest(http.MethodPost, "/api/realtime/token", nil)); w.Code != http.StatusBadGateway {
		t.Errorf("failing mint status = %d", w.Code)
	}
}

func TestGetMe(t *testing.T) {
	f := newFixture(t, Config{VoiceProvider: "native"})

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/me", nil))
	var me map[string]string
	_ = json.NewDecoder(w.Body).Decode(&me)
	if me["user_id"] != testUser {
		t.Errorf("me = %v", me)
	}

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/config", nil))
	var cfg map[string]any
	_ = json.NewDecoder(w.Body).Decode(&cfg)
	if cfg["voiceProvider"] != "native" || cfg["historyLimit"] != float64(4) {
		t.Errorf("config = %v", cfg)
	}
}
