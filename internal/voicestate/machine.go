// Package voicestate holds the voice session state machine shared by every transport.
package voicestate

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ianktoo/turtle-talk/internal/domain"
)

// State is the phase of a voice session.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateRecording  State = "recording"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateMuted      State = "muted"
	StateEnded      State = "ended"
)

// EventType names an input to the machine.
type EventType string

const (
	EventStart          EventType = "START"
	EventVADSpeechStart EventType = "VAD_SPEECH_START"
	EventVADSpeechEnd   EventType = "VAD_SPEECH_END"
	EventMetaReceived   EventType = "META_RECEIVED"
	EventAudioEnded     EventType = "AUDIO_ENDED"
	EventMute           EventType = "MUTE"
	EventUnmute         EventType = "UNMUTE"
	EventIdleTimeout    EventType = "IDLE_TIMEOUT"
	EventUserWake       EventType = "USER_WAKE"
	EventEnd            EventType = "END"
)

// Event is an input to the machine. Mood is only read for META_RECEIVED.
type Event struct {
	Type EventType
	Mood domain.Mood
}

// Snapshot is the observable state. IdleCountdown is the number of seconds
// left before the session mutes itself, or nil when no countdown runs. It is
// only set while listening. A new pointer is stored on every change, so
// snapshots handed out earlier never change.
type Snapshot struct {
	State         State       `json:"state"`
	Mood          domain.Mood `json:"mood"`
	IdleCountdown *int        `json:"idleCountdownRemaining"`
}

// Remaining returns the seconds left on the idle countdown and whether one runs.
func (s Snapshot) Remaining() (int, bool) {
	if s.IdleCountdown == nil {
		return 0, false
	}
	return *s.IdleCountdown, true
}

// Listener receives a snapshot after every accepted transition and countdown tick.
type Listener func(Snapshot)

type edge struct {
	from  State
	event EventType
}

type target struct {
	to   State
	mood domain.Mood
	// fromEvent takes the mood from the event payload, keeping the current one if absent.
	fromEvent bool
}

var transitions = map[edge]target{
	{StateIdle, EventStart}:  {to: StateListening, mood: domain.MoodListening},
	{StateEnded, EventStart}: {to: StateListening, mood: domain.MoodListening},

	{StateListening, EventVADSpeechStart}: {to: StateRecording, mood: domain.MoodListening},
	{StateListening, EventMute}:           {to: StateMuted, mood: domain.MoodIdle},
	{StateListening, EventIdleTimeout}:    {to: StateMuted, mood: domain.MoodIdle},
	{StateListening, EventEnd}:            {to: StateEnded, mood: domain.MoodIdle},

	{StateRecording, EventVADSpeechEnd}: {to: StateProcessing, mood: domain.MoodConfused},
	{StateRecording, EventMute}:         {to: StateMuted, mood: domain.MoodIdle},
	{StateRecording, EventEnd}:          {to: StateEnded, mood: domain.MoodIdle},

	{StateProcessing, EventMetaReceived}: {to: StateSpeaking, fromEvent: true},
	{StateProcessing, EventMute}:         {to: StateMuted, mood: domain.MoodIdle},
	{StateProcessing, EventEnd}:          {to: StateEnded, mood: domain.MoodIdle},

	{StateSpeaking, EventAudioEnded}: {to: StateListening, mood: domain.MoodListening},
	{StateSpeaking, EventMute}:       {to: StateMuted, mood: domain.MoodIdle},
	{StateSpeaking, EventEnd}:        {to: StateEnded, mood: domain.MoodIdle},

	{StateMuted, EventUnmute}:   {to: StateListening, mood: domain.MoodListening},
	{StateMuted, EventUserWake}: {to: StateListening, mood: domain.MoodListening},
	{StateMuted, EventEnd}:      {to: StateEnded, mood: domain.MoodIdle},
}

// Next is the pure reducer. It reports false when the event does not apply to the state.
func Next(s Snapshot, ev Event) (Snapshot, bool) {
	t, ok := transitions[edge{s.State, ev.Type}]
	if !ok {
		return s, false
	}
	mood := t.mood
	if t.fromEvent {
		mood = s.Mood
		if ev.Mood.Valid() {
			mood = ev.Mood
		}
	}
	return Snapshot{State: t.to, Mood: mood}, true
}

// Machine applies events to a session and notifies listeners. It is safe for
// concurrent use; listeners run outside the lock.
type Machine struct {
	mu        sync.Mutex
	snap      Snapshot
	listeners map[uint64]Listener
	nextID    uint64

	clock     Clock
	countdown *countdown
	logger    *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock replaces the wall clock used for the idle countdown.
func WithClock(c Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithLogger sets the logger used to report listener panics.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// New returns a machine in the idle state.
func New(opts ...Option) *Machine {
	m := &Machine{
		snap:      Snapshot{State: StateIdle, Mood: domain.MoodIdle},
		listeners: make(map[uint64]Listener),
		clock:     SystemClock,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// State returns the current state.
func (m *Machine) State() State {
	return m.Snapshot().State
}

// Subscribe registers l and returns a function that removes it.
func (m *Machine) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Transition applies ev. Events outside the table change nothing and notify no one.
// An accepted transition clears any running idle countdown.
func (m *Machine) Transition(ev Event) (Snapshot, bool) {
	m.mu.Lock()
	next, ok := Next(m.snap, ev)
	if !ok {
		snap := m.snap
		m.mu.Unlock()
		return snap, false
	}
	m.stopCountdownLocked()
	m.snap = next
	listeners := m.listenersLocked()
	m.mu.Unlock()

	m.notify(listeners, next)
	return next, true
}

// Send is shorthand for Transition with an event carrying no mood.
func (m *Machine) Send(t EventType) bool {
	_, ok := m.Transition(Event{Type: t})
	return ok
}

// Relisten returns a session that is recording, processing or speaking to
// listening. Transports use it when a clip is discarded or a turn fails, so a
// session is never left waiting on a reply that will not come.
func (m *Machine) Relisten() bool {
	m.mu.Lock()
	switch m.snap.State {
	case StateRecording, StateProcessing, StateSpeaking:
	default:
		m.mu.Unlock()
		return false
	}
	m.stopCountdownLocked()
	m.snap = Snapshot{State: StateListening, Mood: domain.MoodListening}
	snap := m.snap
	listeners := m.listenersLocked()
	m.mu.Unlock()

	m.notify(listeners, snap)
	return true
}

// StartIdleCountdown begins counting down from seconds while listening. It
// returns false, changing nothing, in any other state.
func (m *Machine) StartIdleCountdown(seconds int) bool {
	m.mu.Lock()
	if m.snap.State != StateListening || seconds <= 0 {
		m.mu.Unlock()
		return false
	}
	m.stopCountdownLocked()
	cd := &countdown{ticker: m.clock.NewTicker(time.Second), done: make(chan struct{})}
	m.countdown = cd
	m.snap.IdleCountdown = &seconds
	snap := m.snap
	listeners := m.listenersLocked()
	m.mu.Unlock()

	go m.runCountdown(cd)
	m.notify(listeners, snap)
	return true
}

// CancelIdleCountdown clears a running countdown without changing state.
func (m *Machine) CancelIdleCountdown() {
	m.mu.Lock()
	if m.countdown == nil {
		m.mu.Unlock()
		return
	}
	m.stopCountdownLocked()
	snap := m.snap
	listeners := m.listenersLocked()
	m.mu.Unlock()

	m.notify(listeners, snap)
}

// Close stops the countdown goroutine, if any.
func (m *Machine) Close() {
	m.mu.Lock()
	m.stopCountdownLocked()
	m.mu.Unlock()
}

func (m *Machine) runCountdown(cd *countdown) {
	for {
		select {
		case <-cd.done:
			return
		case <-cd.ticker.C():
		}
		if !m.tick(cd) {
			return
		}
	}
}

// tick decrements the countdown owned by cd and reports whether it should keep running.
func (m *Machine) tick(cd *countdown) bool {
	m.mu.Lock()
	if m.countdown != cd {
		m.mu.Unlock()
		return false
	}
	left := *m.snap.IdleCountdown - 1
	m.snap.IdleCountdown = &left
	if left > 0 {
		snap := m.snap
		listeners := m.listenersLocked()
		m.mu.Unlock()
		m.notify(listeners, snap)
		return true
	}
	m.stopCountdownLocked()
	if next, ok := Next(m.snap, Event{Type: EventIdleTimeout}); ok {
		m.snap = next
	}
	snap := m.snap
	listeners := m.listenersLocked()
	m.mu.Unlock()

	m.notify(listeners, snap)
	return false
}

func (m *Machine) stopCountdownLocked() {
	if m.countdown != nil {
		m.countdown.stop()
		m.countdown = nil
	}
	m.snap.IdleCountdown = nil
}

func (m *Machine) listenersLocked() []Listener {
	out := make([]Listener, 0, len(m.listeners))
	for _, id := range slices.Sorted(maps.Keys(m.listeners)) {
		out = append(out, m.listeners[id])
	}
	return out
}

func (m *Machine) notify(listeners []Listener, snap Snapshot) {
	for _, l := range listeners {
		m.call(l, snap)
	}
}

func (m *Machine) call(l Listener, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Voice state listener panicked", "state", snap.State, "panic", r)
		}
	}()
	l(snap)
}

type countdown struct {
	ticker Ticker
	done   chan struct{}
	once   sync.Once
}

func (c *countdown) stop() {
	c.once.Do(func() {
		c.ticker.Stop()
		close(c.done)
	})
}
