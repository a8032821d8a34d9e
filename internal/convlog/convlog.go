// Package convlog appends conversation turns to per-session NDJSON files.
package convlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Event is one logged conversation event.
type Event struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Channels.
const (
	ChannelTurn  = "turn_http"
	ChannelChat  = "chat_http"
	ChannelVoice = "voice_ws"
	ChannelRelay = "relay_grpc"
)

// Directions, from the child's point of view.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Logger records conversation events.
type Logger interface {
	Log(ev Event)
	Close() error
}

// Config controls conversation logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Nop discards every event.
type Nop struct{}

func (Nop) Log(Event)    {}
func (Nop) Close() error { return nil }

// FileLogger writes events from a bounded queue on a single goroutine.
// Events logged while the queue is full are dropped.
type FileLogger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	files  map[string]*os.File
}

// New creates a logger. A disabled config returns Nop.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, errors.New("conversation log dir is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	l := &FileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}
	go l.run()
	return l, nil
}

// Log queues ev, filling Timestamp and Content when empty.
func (l *FileLogger) Log(ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if ev.Content == "" && ev.ContentRaw != "" {
		ev.Content = CleanForReadability(ev.ContentRaw)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("Conversation log queue full, dropping event", "user_id", ev.UserID, "event_type", ev.EventType)
	}
}

// Close drains the queue and closes every file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done

	var errs []error
	for path, f := range l.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

func (l *FileLogger) run() {
	defer close(l.done)
	for ev := range l.queue {
		line, err := json.Marshal(ev)
		if err != nil {
			l.logger.Warn("Failed to marshal conversation event", "error", err)
			continue
		}
		line = append(line, '\n')

		l.write(l.sessionPath(ev), line)
		if l.cfg.GlobalEnabled && l.cfg.GlobalPath != "" {
			l.write(l.cfg.GlobalPath, line)
		}
	}
}

func (l *FileLogger) sessionPath(ev Event) string {
	user := safeSegment(ev.UserID, "unknown")
	session := safeSegment(ev.SessionID, "default")
	return filepath.Join(l.cfg.Dir, user, session+".ndjson")
}

func (l *FileLogger) write(path string, line []byte) {
	f, ok := l.files[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			l.logger.Warn("Failed to create conversation log dir", "path", path, "error", err)
			return
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			l.logger.Warn("Failed to open conversation log", "path", path, "error", err)
			return
		}
		l.files[path] = f
	}
	if _, err := f.Write(line); err != nil {
		l.logger.Warn("Failed to write conversation log", "path", path, "error", err)
	}
}

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safeSegment(s, fallback string) string {
	s = unsafeSegment.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return fallback
	}
	return s
}

// CleanForReadability drops control characters and collapses whitespace.
func CleanForReadability(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
