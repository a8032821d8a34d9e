package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ianktoo/turtle-talk/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memories (
		child_id TEXT PRIMARY KEY,
		child_name TEXT,
		topics_json TEXT NOT NULL DEFAULT '[]',
		messages_json TEXT NOT NULL DEFAULT '[]',
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(updated_at);

	CREATE TABLE IF NOT EXISTS missions (
		id TEXT PRIMARY KEY,
		child_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		theme TEXT NOT NULL,
		difficulty TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_missions_child_status ON missions(child_id, status, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// isBusy reports SQLite lock contention, which modernc surfaces only as text.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withRetry retries op with exponential backoff while SQLite reports lock contention.
func withRetry(ctx context.Context, name string, op func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		if err = op(); err == nil || !isBusy(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("SQLite busy, retrying", "op", name, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, maxRetries, err)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return withRetry(ctx, "upsert user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, user.LastSeenAt.Unix(),
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// GetMemory returns the stored memory for a child.
func (s *SQLiteStore) GetMemory(ctx context.Context, childID string) (*domain.Memory, error) {
	query := `
		SELECT child_id, child_name, topics_json, messages_json, updated_at
		FROM memories WHERE child_id = ?`

	var m domain.Memory
	var name sql.NullString
	var topicsJSON, messagesJSON string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, query, childID).Scan(&m.ChildID, &name, &topicsJSON, &messagesJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan memory row: %w", err)
	}

	if err := json.Unmarshal([]byte(topicsJSON), &m.Topics); err != nil {
		return nil, fmt.Errorf("decode topics: %w", err)
	}
	if err := json.Unmarshal([]byte(messagesJSON), &m.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	m.ChildName = name.String
	m.UpdatedAt = time.Unix(updatedAt, 0)
	return &m, nil
}

// SaveMemory replaces the stored memory for memory.ChildID.
func (s *SQLiteStore) SaveMemory(ctx context.Context, memory *domain.Memory) error {
	topics, err := json.Marshal(nonNil(memory.Topics))
	if err != nil {
		return fmt.Errorf("encode topics: %w", err)
	}
	messages, err := json.Marshal(nonNil(memory.Messages))
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	memory.UpdatedAt = time.Now()

	query := `
	INSERT INTO memories (child_id, child_name, topics_json, messages_json, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(child_id) DO UPDATE SET
		child_name = COALESCE(NULLIF(excluded.child_name, ''), memories.child_name),
		topics_json = excluded.topics_json,
		messages_json = excluded.messages_json,
		updated_at = excluded.updated_at`

	return withRetry(ctx, "save memory", func() error {
		_, err := s.db.ExecContext(ctx, query,
			memory.ChildID, memory.ChildName, string(topics), string(messages), memory.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("save memory: %w", err)
		}
		return nil
	})
}

// GetActiveMission returns the newest active mission for a child.
func (s *SQLiteStore) GetActiveMission(ctx context.Context, childID string) (*domain.Mission, error) {
	query := `
		SELECT id, child_id, title, description, theme, difficulty, status, created_at, completed_at
		FROM missions WHERE child_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`

	var m domain.Mission
	var createdAt int64
	var completedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, childID, domain.MissionActive).Scan(
		&m.ID, &m.ChildID, &m.Title, &m.Description, &m.Theme, &m.Difficulty, &m.Status,
		&createdAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan mission row: %w", err)
	}

	m.CreatedAt = time.Unix(createdAt, 0)
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		m.CompletedAt = &ts
	}
	return &m, nil
}

// SaveMission creates or updates a mission.
func (s *SQLiteStore) SaveMission(ctx context.Context, mission *domain.Mission) error {
	query := `
	INSERT INTO missions (id, child_id, title, description, theme, difficulty, status, created_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		theme = excluded.theme,
		difficulty = excluded.difficulty,
		status = excluded.status,
		completed_at = excluded.completed_at`

	var completedAt interface{}
	if mission.CompletedAt != nil {
		completedAt = mission.CompletedAt.Unix()
	}

	return withRetry(ctx, "save mission", func() error {
		_, err := s.db.ExecContext(ctx, query,
			mission.ID, mission.ChildID, mission.Title, mission.Description,
			string(mission.Theme), string(mission.Difficulty), string(mission.Status),
			mission.CreatedAt.Unix(), completedAt,
		)
		if err != nil {
			return fmt.Errorf("save mission: %w", err)
		}
		return nil
	})
}

// CompleteMission marks an active mission completed.
func (s *SQLiteStore) CompleteMission(ctx context.Context, childID, missionID string) error {
	query := `UPDATE missions SET status = ?, completed_at = ? WHERE id = ? AND child_id = ? AND status = ?`
	return withRetry(ctx, "complete mission", func() error {
		result, err := s.db.ExecContext(ctx, query,
			domain.MissionCompleted, time.Now().Unix(), missionID, childID, domain.MissionActive,
		)
		if err != nil {
			return fmt.Errorf("complete mission: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("mission %s: %w", missionID, ErrNotFound)
		}
		return nil
	})
}

// CleanupStaleMemory removes memory not updated within ttl.
func (s *SQLiteStore) CleanupStaleMemory(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	var deleted int64
	err := withRetry(ctx, "cleanup memory", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE updated_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("cleanup stale memory: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

var _ Repository = (*SQLiteStore)(nil)
