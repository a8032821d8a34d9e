package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ianktoo/turtle-talk/internal/domain"
)

// RedisStore implements Repository on Redis. Records are msgpack-encoded;
// sorted sets index memory by update time and active missions by creation time.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix. Default is "turtletalk".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedis creates a Redis-backed repository.
func NewRedis(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "turtletalk"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) userKey(id string) string { return s.prefix + ":user:" + id }
func (s *RedisStore) memoryKey(id string) string { return s.prefix + ":memory:" + id }
func (s *RedisStore) memoryIndexKey() string { return s.prefix + ":memory:index" }
func (s *RedisStore) missionKey(id string) string { return s.prefix + ":mission:" + id }
func (s *RedisStore) activeKey(child string) string { return s.prefix + ":missions:active:" + child }

// get decodes key into v and reports whether it existed.
func (s *RedisStore) get(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// GetUser implements Repository.
func (s *RedisStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var u domain.User
	ok, err := s.get(ctx, s.userKey(userID), &u)
	if err != nil || !ok {
		return nil, err
	}
	return &u, nil
}

// UpsertUser implements Repository.
func (s *RedisStore) UpsertUser(ctx context.Context, user *domain.User) error {
	existing, err := s.GetUser(ctx, user.UserID)
	if err != nil {
		return err
	}
	rec := *user
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
	}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := s.client.Set(ctx, s.userKey(user.UserID), data, 0).Err(); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen implements Repository. Unknown users are ignored.
func (s *RedisStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	u, err := s.GetUser(ctx, userID)
	if err != nil || u == nil {
		return err
	}
	u.LastSeenAt = lastSeen
	u.UpdatedAt = time.Now()
	return s.UpsertUser(ctx, u)
}

// GetMemory implements Repository.
func (s *RedisStore) GetMemory(ctx context.Context, childID string) (*domain.Memory, error) {
	var m domain.Memory
	ok, err := s.get(ctx, s.memoryKey(childID), &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

// SaveMemory implements Repository.
func (s *RedisStore) SaveMemory(ctx context.Context, memory *domain.Memory) error {
	if memory.ChildName == "" {
		existing, err := s.GetMemory(ctx, memory.ChildID)
		if err != nil {
			return err
		}
		if existing != nil {
			memory.ChildName = existing.ChildName
		}
	}
	memory.UpdatedAt = time.Now()

	data, err := msgpack.Marshal(memory)
	if err != nil {
		return fmt.Errorf("encode memory: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.memoryKey(memory.ChildID), data, 0)
	pipe.ZAdd(ctx, s.memoryIndexKey(), redis.Z{Score: float64(memory.UpdatedAt.Unix()), Member: memory.ChildID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

// GetActiveMission implements Repository.
func (s *RedisStore) GetActiveMission(ctx context.Context, childID string) (*domain.Mission, error) {
	ids, err := s.client.ZRevRange(ctx, s.activeKey(childID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("list active missions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var m domain.Mission
	ok, err := s.get(ctx, s.missionKey(ids[0]), &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

// SaveMission implements Repository.
func (s *RedisStore) SaveMission(ctx context.Context, mission *domain.Mission) error {
	data, err := msgpack.Marshal(mission)
	if err != nil {
		return fmt.Errorf("encode mission: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.missionKey(mission.ID), data, 0)
	if mission.IsActive() {
		pipe.ZAdd(ctx, s.activeKey(mission.ChildID), redis.Z{Score: float64(mission.CreatedAt.Unix()), Member: mission.ID})
	} else {
		pipe.ZRem(ctx, s.activeKey(mission.ChildID), mission.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save mission: %w", err)
	}
	return nil
}

// CompleteMission implements Repository.
func (s *RedisStore) CompleteMission(ctx context.Context, childID, missionID string) error {
	var m domain.Mission
	ok, err := s.get(ctx, s.missionKey(missionID), &m)
	if err != nil {
		return err
	}
	if !ok || m.ChildID != childID || !m.IsActive() {
		return fmt.Errorf("mission %s: %w", missionID, ErrNotFound)
	}
	now := time.Now()
	m.Status = domain.MissionCompleted
	m.CompletedAt = &now
	return s.SaveMission(ctx, &m)
}

// CleanupStaleMemory implements Repository.
func (s *RedisStore) CleanupStaleMemory(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).Unix()
	ids, err := s.client.ZRangeByScore(ctx, s.memoryIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list stale memory: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = s.memoryKey(id)
		members[i] = id
	}
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, s.memoryIndexKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete stale memory: %w", err)
	}
	return del.Val(), nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

var _ Repository = (*RedisStore)(nil)
