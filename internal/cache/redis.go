// Package cache keeps client-side lifecycle state in Redis so a restarted
// watcher resumes with the same snapshot and consumed approvals.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shrimpsizemoose/markgate/internal/lifecycle"
	"github.com/shrimpsizemoose/markgate/internal/models"
)

const (
	DefaultSnapshotKeyTemplate = "snapshot:{staff}:{subject}:{assessment}"
	DefaultConsumedKeyTemplate = "consumed:{staff}:{subject}:{assessment}"
)

var (
	_ lifecycle.SnapshotStore = (*RedisStore)(nil)
	_ lifecycle.ConsumedStore = (*RedisStore)(nil)
)

// RedisStore persists MarkManagerSnapshots as JSON strings and consumed approval
// deadlines as a hash of scope to RFC 3339 timestamps.
type RedisStore struct {
	redis       *redis.Client
	staff       string
	snapshotTpl string
	consumedTpl string
}

func NewRedisStore(client *redis.Client, staff, snapshotTpl, consumedTpl string) *RedisStore {
	if snapshotTpl == "" {
		snapshotTpl = DefaultSnapshotKeyTemplate
	}
	if consumedTpl == "" {
		consumedTpl = DefaultConsumedKeyTemplate
	}
	return &RedisStore{
		redis:       client,
		staff:       staff,
		snapshotTpl: snapshotTpl,
		consumedTpl: consumedTpl,
	}
}

func (s *RedisStore) key(tpl string, key models.SheetKey) string {
	return strings.NewReplacer(
		"{staff}", s.staff,
		"{subject}", key.Subject,
		"{assessment}", string(key.Assessment),
	).Replace(tpl)
}

func (s *RedisStore) LoadSnapshot(ctx context.Context, key models.SheetKey) (*models.MarkManagerSnapshot, error) {
	raw, err := s.redis.Get(ctx, s.key(s.snapshotTpl, key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap models.MarkManagerSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

func (s *RedisStore) SaveSnapshot(ctx context.Context, key models.SheetKey, snap models.MarkManagerSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(s.snapshotTpl, key), raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteSnapshot(ctx context.Context, key models.SheetKey) error {
	return s.redis.Del(ctx, s.key(s.snapshotTpl, key)).Err()
}

func (s *RedisStore) LoadConsumed(ctx context.Context, key models.SheetKey) (map[models.Scope]time.Time, error) {
	values, err := s.redis.HGetAll(ctx, s.key(s.consumedTpl, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load consumed approvals: %w", err)
	}

	out := make(map[models.Scope]time.Time, len(values))
	for field, value := range values {
		scope, err := models.ParseScope(field)
		if err != nil {
			continue
		}
		until, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			continue
		}
		out[scope] = until
	}
	return out, nil
}

// SaveConsumed replaces the whole consumed record of a sheet.
func (s *RedisStore) SaveConsumed(ctx context.Context, key models.SheetKey, consumed map[models.Scope]time.Time) error {
	k := s.key(s.consumedTpl, key)

	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, k)
	if len(consumed) > 0 {
		fields := make(map[string]interface{}, len(consumed))
		for scope, until := range consumed {
			fields[string(scope)] = until.Format(time.RFC3339Nano)
		}
		pipe.HSet(ctx, k, fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save consumed approvals: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearConsumed(ctx context.Context, key models.SheetKey) error {
	return s.redis.Del(ctx, s.key(s.consumedTpl, key)).Err()
}
