// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ianktoo/turtle-talk/internal/domain"
)

// ErrNotFound is returned when an update targets a record that does not exist.
var ErrNotFound = errors.New("not found")

// Repository persists device identities, per-child memory and missions.
// Lookups of absent records return nil and no error.
type Repository interface {
	// GetUser retrieves a device identity by its user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a device identity.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetMemory returns what is remembered about a child.
	GetMemory(ctx context.Context, childID string) (*domain.Memory, error)

	// SaveMemory replaces the memory of memory.ChildID and stamps UpdatedAt.
	// An empty ChildName keeps the stored name.
	SaveMemory(ctx context.Context, memory *domain.Memory) error

	// GetActiveMission returns the child's newest active mission.
	GetActiveMission(ctx context.Context, childID string) (*domain.Mission, error)

	// SaveMission creates or updates a mission.
	SaveMission(ctx context.Context, mission *domain.Mission) error

	// CompleteMission marks a mission completed. It returns ErrNotFound when
	// the child has no such active mission.
	CompleteMission(ctx context.Context, childID, missionID string) error

	// CleanupStaleMemory removes memory untouched for longer than ttl.
	CleanupStaleMemory(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}
