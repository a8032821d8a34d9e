package voicestate

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ianktoo/turtle-talk/internal/domain"
)

var (
	allStates = []State{StateIdle, StateListening, StateRecording, StateProcessing, StateSpeaking, StateMuted, StateEnded}
	allEvents = []EventType{
		EventStart, EventVADSpeechStart, EventVADSpeechEnd, EventMetaReceived, EventAudioEnded,
		EventMute, EventUnmute, EventIdleTimeout, EventUserWake, EventEnd,
	}
)

type manualTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

type manualClock struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

func (c *manualClock) NewTicker(time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{ch: make(chan time.Time)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *manualClock) last() *manualTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickers[len(c.tickers)-1]
}

func recorder(m *Machine) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 64)
	unsub := m.Subscribe(func(s Snapshot) { ch <- s })
	return ch, unsub
}

func expect(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Snapshot{}
	}
}

func expectNone(t *testing.T, ch <-chan Snapshot) {
	t.Helper()
	select {
	case s := <-ch:
		t.Fatalf("unexpected notification: %+v", s)
	default:
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from  State
		event Event
		to    State
		mood  domain.Mood
	}{
		{StateIdle, Event{Type: EventStart}, StateListening, domain.MoodListening},
		{StateEnded, Event{Type: EventStart}, StateListening, domain.MoodListening},
		{StateListening, Event{Type: EventVADSpeechStart}, StateRecording, domain.MoodListening},
		{StateListening, Event{Type: EventMute}, StateMuted, domain.MoodIdle},
		{StateListening, Event{Type: EventIdleTimeout}, StateMuted, domain.MoodIdle},
		{StateListening, Event{Type: EventEnd}, StateEnded, domain.MoodIdle},
		{StateRecording, Event{Type: EventVADSpeechEnd}, StateProcessing, domain.MoodConfused},
		{StateRecording, Event{Type: EventMute}, StateMuted, domain.MoodIdle},
		{StateRecording, Event{Type: EventEnd}, StateEnded, domain.MoodIdle},
		{StateProcessing, Event{Type: EventMetaReceived, Mood: domain.MoodHappy}, StateSpeaking, domain.MoodHappy},
		{StateProcessing, Event{Type: EventMetaReceived}, StateSpeaking, domain.MoodConfused},
		{StateProcessing, Event{Type: EventMute}, StateMuted, domain.MoodIdle},
		{StateProcessing, Event{Type: EventEnd}, StateEnded, domain.MoodIdle},
		{StateSpeaking, Event{Type: EventAudioEnded}, StateListening, domain.MoodListening},
		{StateSpeaking, Event{Type: EventMute}, StateMuted, domain.MoodIdle},
		{StateSpeaking, Event{Type: EventEnd}, StateEnded, domain.MoodIdle},
		{StateMuted, Event{Type: EventUnmute}, StateListening, domain.MoodListening},
		{StateMuted, Event{Type: EventUserWake}, StateListening, domain.MoodListening},
		{StateMuted, Event{Type: EventEnd}, StateEnded, domain.MoodIdle},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event.Type), func(t *testing.T) {
			// processing is always entered with the confused mood
			got, ok := Next(Snapshot{State: tt.from, Mood: domain.MoodConfused}, tt.event)
			if !ok {
				t.Fatal("transition rejected")
			}
			if got.State != tt.to || got.Mood != tt.mood {
				t.Errorf("got %s/%s, want %s/%s", got.State, got.Mood, tt.to, tt.mood)
			}
		})
	}
}

func TestUnlistedEventsAreNoOps(t *testing.T) {
	for _, s := range allStates {
		for _, e := range allEvents {
			if _, listed := transitions[edge{s, e}]; listed {
				continue
			}
			m := New()
			m.snap = Snapshot{State: s, Mood: domain.MoodSad}
			ch, _ := recorder(m)

			got, ok := m.Transition(Event{Type: e, Mood: domain.MoodHappy})
			if ok {
				t.Errorf("%s + %s accepted", s, e)
			}
			if got.State != s || got.Mood != domain.MoodSad {
				t.Errorf("%s + %s changed snapshot to %+v", s, e, got)
			}
			expectNone(t, ch)
		}
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	m := New()
	a, unsubA := recorder(m)
	b, _ := recorder(m)

	m.Send(EventStart)
	if s := expect(t, a); s.State != StateListening {
		t.Errorf("a got %s", s.State)
	}
	expect(t, b)

	unsubA()
	unsubA()
	m.Send(EventMute)
	expectNone(t, a)
	if s := expect(t, b); s.State != StateMuted {
		t.Errorf("b got %s", s.State)
	}
}

func TestPanickingListenerDoesNotBlockOthers(t *testing.T) {
	m := New()
	m.Subscribe(func(Snapshot) { panic("boom") })
	ch, _ := recorder(m)

	m.Send(EventStart)
	if s := expect(t, ch); s.State != StateListening {
		t.Errorf("got %s", s.State)
	}
}

func TestIdleCountdownExpires(t *testing.T) {
	clock := &manualClock{}
	m := New(WithClock(clock))
	defer m.Close()

	if m.StartIdleCountdown(3) {
		t.Fatal("countdown must not start while idle")
	}
	m.Send(EventStart)
	ch, _ := recorder(m)

	if !m.StartIdleCountdown(3) {
		t.Fatal("countdown did not start")
	}
	if left, ok := expect(t, ch).Remaining(); !ok || left != 3 {
		t.Fatalf("start countdown = %d, %v", left, ok)
	}

	ticker := clock.last()
	for _, want := range []int{2, 1} {
		ticker.ch <- time.Now()
		s := expect(t, ch)
		if left, ok := s.Remaining(); !ok || left != want || s.State != StateListening {
			t.Fatalf("tick snapshot = %+v, want %d left", s, want)
		}
	}
	ticker.ch <- time.Now()
	s := expect(t, ch)
	if s.State != StateMuted || s.Mood != domain.MoodIdle || s.IdleCountdown != nil {
		t.Fatalf("expiry snapshot = %+v", s)
	}
	if got := m.Snapshot(); got.IdleCountdown != nil {
		t.Errorf("countdown not cleared: %+v", got)
	}
}

func TestSnapshotCountdownEncoding(t *testing.T) {
	clock := &manualClock{}
	m := New(WithClock(clock))
	defer m.Close()
	m.Send(EventStart)

	data, err := json.Marshal(m.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"state":"listening","mood":"listening","idleCountdownRemaining":null}`; string(data) != want {
		t.Fatalf("no countdown = %s, want %s", data, want)
	}

	ch, _ := recorder(m)
	m.StartIdleCountdown(2)
	started := expect(t, ch)
	clock.last().ch <- time.Now()
	ticked := expect(t, ch)

	if left, _ := started.Remaining(); left != 2 {
		t.Errorf("earlier snapshot changed to %d", left)
	}
	if left, ok := ticked.Remaining(); !ok || left != 1 {
		t.Errorf("tick = %d, %v", left, ok)
	}
	data, _ = json.Marshal(ticked)
	if want := `{"state":"listening","mood":"listening","idleCountdownRemaining":1}`; string(data) != want {
		t.Errorf("countdown = %s, want %s", data, want)
	}
}

func TestIdleCountdownCancel(t *testing.T) {
	clock := &manualClock{}
	m := New(WithClock(clock))
	defer m.Close()
	m.Send(EventStart)
	ch, _ := recorder(m)

	m.StartIdleCountdown(5)
	expect(t, ch)
	clock.last().ch <- time.Now()
	expect(t, ch)

	m.CancelIdleCountdown()
	s := expect(t, ch)
	if s.State != StateListening || s.IdleCountdown != nil {
		t.Fatalf("after cancel = %+v", s)
	}
	ticker := clock.last()
	ticker.mu.Lock()
	stopped := ticker.stopped
	ticker.mu.Unlock()
	if !stopped {
		t.Error("ticker not stopped")
	}

	m.CancelIdleCountdown()
	expectNone(t, ch)
}

func TestTransitionClearsCountdown(t *testing.T) {
	clock := &manualClock{}
	m := New(WithClock(clock))
	defer m.Close()
	m.Send(EventStart)
	m.StartIdleCountdown(10)

	m.Send(EventVADSpeechStart)
	if s := m.Snapshot(); s.State != StateRecording || s.IdleCountdown != nil {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestRelisten(t *testing.T) {
	m := New()
	if m.Relisten() {
		t.Fatal("Relisten from idle should be rejected")
	}
	m.Send(EventStart)
	m.Send(EventVADSpeechStart)
	m.Send(EventVADSpeechEnd)
	ch, _ := recorder(m)

	if !m.Relisten() {
		t.Fatal("Relisten from processing rejected")
	}
	s := expect(t, ch)
	if s.State != StateListening || s.Mood != domain.MoodListening {
		t.Fatalf("snapshot = %+v", s)
	}
}
