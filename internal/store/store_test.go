package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianktoo/turtle-talk/internal/domain"
)

func backends(t *testing.T) map[string]Repository {
	t.Helper()

	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "data", "turtle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rds := NewRedis(client, WithPrefix("test"))
	t.Cleanup(func() { _ = rds.Close() })

	return map[string]Repository{"sqlite": sqlite, "redis": rds}
}

func TestUserLifecycle(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.Ping(ctx))

			got, err := repo.GetUser(ctx, "anon_1")
			require.NoError(t, err)
			assert.Nil(t, got)

			created := time.Now().Add(-time.Hour)
			require.NoError(t, repo.UpsertUser(ctx, &domain.User{
				UserID:     "anon_1",
				Username:   "guest",
				LastSeenAt: created,
				CreatedAt:  created,
				UpdatedAt:  created,
			}))

			seen := time.Now()
			require.NoError(t, repo.UpdateLastSeen(ctx, "anon_1", seen))
			require.NoError(t, repo.UpdateLastSeen(ctx, "missing", seen))

			got, err = repo.GetUser(ctx, "anon_1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "guest", got.Username)
			assert.Equal(t, seen.Unix(), got.LastSeenAt.Unix())
			assert.Equal(t, created.Unix(), got.CreatedAt.Unix())

			require.NoError(t, repo.UpsertUser(ctx, &domain.User{
				UserID:    "anon_1",
				Username:  "renamed",
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}))
			got, err = repo.GetUser(ctx, "anon_1")
			require.NoError(t, err)
			assert.Equal(t, "renamed", got.Username)
			assert.Equal(t, created.Unix(), got.CreatedAt.Unix(), "creation time survives upsert")
		})
	}
}

func TestMemoryKeepsNameWhenEmpty(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := repo.GetMemory(ctx, "child-1")
			require.NoError(t, err)
			assert.Nil(t, got)

			require.NoError(t, repo.SaveMemory(ctx, &domain.Memory{
				ChildID:   "child-1",
				ChildName: "Mia",
				Topics:    []string{"dinosaurs"},
				Messages: []domain.Turn{
					{Role: domain.RoleUser, Content: "hi"},
					{Role: domain.RoleAssistant, Content: "Hello, Mia!"},
				},
			}))
			require.NoError(t, repo.SaveMemory(ctx, &domain.Memory{
				ChildID: "child-1",
				Topics:  []string{"dinosaurs", "space"},
			}))

			got, err = repo.GetMemory(ctx, "child-1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "Mia", got.ChildName)
			assert.Equal(t, []string{"dinosaurs", "space"}, got.Topics)
			assert.Empty(t, got.Messages)
			assert.WithinDuration(t, time.Now(), got.UpdatedAt, 5*time.Second)
		})
	}
}

func TestCleanupStaleMemory(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.SaveMemory(ctx, &domain.Memory{ChildID: "a", ChildName: "A"}))
			require.NoError(t, repo.SaveMemory(ctx, &domain.Memory{ChildID: "b", ChildName: "B"}))

			deleted, err := repo.CleanupStaleMemory(ctx, time.Hour)
			require.NoError(t, err)
			assert.Zero(t, deleted)

			deleted, err = repo.CleanupStaleMemory(ctx, -time.Hour)
			require.NoError(t, err)
			assert.Equal(t, int64(2), deleted)

			got, err := repo.GetMemory(ctx, "a")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestMissionLifecycle(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := repo.GetActiveMission(ctx, "child-1")
			require.NoError(t, err)
			assert.Nil(t, got)

			older := &domain.Mission{
				ID: "m1", ChildID: "child-1", Title: "Say hi", Description: "Wave to a neighbour",
				Theme: domain.ThemeSocial, Difficulty: domain.DifficultyEasy,
				Status: domain.MissionActive, CreatedAt: time.Now().Add(-2 * time.Hour),
			}
			newer := &domain.Mission{
				ID: "m2", ChildID: "child-1", Title: "Draw", Description: "Draw your pet",
				Theme: domain.ThemeCreative, Difficulty: domain.DifficultyMedium,
				Status: domain.MissionActive, CreatedAt: time.Now().Add(-time.Hour),
			}
			require.NoError(t, repo.SaveMission(ctx, older))
			require.NoError(t, repo.SaveMission(ctx, newer))

			got, err = repo.GetActiveMission(ctx, "child-1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "m2", got.ID)
			assert.Equal(t, domain.ThemeCreative, got.Theme)
			assert.Nil(t, got.CompletedAt)

			require.NoError(t, repo.CompleteMission(ctx, "child-1", "m2"))
			assert.ErrorIs(t, repo.CompleteMission(ctx, "child-1", "m2"), ErrNotFound)
			assert.ErrorIs(t, repo.CompleteMission(ctx, "other", "m1"), ErrNotFound)
			assert.ErrorIs(t, repo.CompleteMission(ctx, "child-1", "missing"), ErrNotFound)

			got, err = repo.GetActiveMission(ctx, "child-1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "m1", got.ID)
		})
	}
}

func TestRedisPrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	a := NewRedis(client, WithPrefix("a"))
	b := NewRedis(client, WithPrefix("b"))
	ctx := context.Background()

	require.NoError(t, a.SaveMemory(ctx, &domain.Memory{ChildID: "child", ChildName: "Mia"}))
	got, err := b.GetMemory(ctx, "child")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.True(t, mr.Exists("a:memory:child"))
}

func TestSweepRemovesStaleMemory(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.SaveMemory(ctx, &domain.Memory{ChildID: "a"}))

			assert.Zero(t, sweep(ctx, repo, time.Hour))
			assert.Equal(t, int64(1), sweep(ctx, repo, -time.Hour))
		})
	}
}

func TestSweepIgnoresCancelledContext(t *testing.T) {
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "turtle.db"))
	require.NoError(t, err)
	defer func() { _ = sqlite.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Zero(t, sweep(ctx, sqlite, -time.Hour))

	// StartSweeper returns immediately and its goroutine exits with ctx.
	StartSweeper(ctx, sqlite, time.Millisecond, time.Hour)
}
