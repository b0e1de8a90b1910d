package idempotency

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "spotbot:idem:"

// RedisStore 基于 Redis 的幂等存储，多实例共享。
// TTL 由 PX 过期保证，先写者胜由 SET NX 保证。
type RedisStore struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// key 格式: prefix + namespace:hex(token):workspace
func (s *RedisStore) key(k Key) string {
	return s.prefix + k.Namespace + ":" + hex.EncodeToString([]byte(k.Token)) + ":" + k.Workspace
}

func (s *RedisStore) Get(ctx context.Context, key Key) (*Hit, error) {
	redisKey := s.key(key)
	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// 损坏的条目当作不存在
		_ = s.client.Del(ctx, redisKey).Err()
		return nil, nil
	}
	now := s.now()
	if e.expired(now) {
		_ = s.client.Del(ctx, redisKey).Err()
		return nil, nil
	}
	return newHit(e, now), nil
}

func (s *RedisStore) Set(ctx context.Context, key Key, e Entry) (bool, error) {
	if e.TTL <= 0 {
		return false, fmt.Errorf("idempotency set: ttl must be > 0")
	}
	if e.CachedAt.IsZero() {
		e.CachedAt = s.now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("idempotency set: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(key), data, e.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency set: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Clear(ctx context.Context, scope Scope) (int, error) {
	pattern := s.pattern(scope)
	removed := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return removed, fmt.Errorf("idempotency clear: %w", err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("idempotency clear: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (s *RedisStore) pattern(scope Scope) string {
	prefix := escapeGlob(s.prefix)
	if scope.Token == "" {
		return prefix + "*"
	}
	ns := "*"
	if scope.Namespace != "" {
		ns = escapeGlob(scope.Namespace)
	}
	ws := "*"
	if scope.Workspace != "" {
		ws = escapeGlob(scope.Workspace)
	}
	return prefix + ns + ":" + hex.EncodeToString([]byte(scope.Token)) + ":" + ws
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
