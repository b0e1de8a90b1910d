// Package idempotency 幂等响应缓存
//
// 同一 (namespace, token, workspace) 在 TTL 内最多执行一次；
// 相同 key 但请求体不同视为冲突。
package idempotency

import (
	"context"
	"encoding/json"
	"time"
)

// Key 幂等键
type Key struct {
	Namespace string // 操作命名空间，如 place_order
	Token     string // 客户端提供的幂等 token
	Workspace string
}

// Entry 缓存条目，写入后不可变
type Entry struct {
	Response    json.RawMessage `json:"response"`
	PayloadHash string          `json:"payloadHash"`
	CachedAt    time.Time       `json:"cachedAt"`
	TTL         time.Duration   `json:"ttl"`
}

// ExpiresAt 过期时间
func (e Entry) ExpiresAt() time.Time {
	return e.CachedAt.Add(e.TTL)
}

func (e Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// Hit 命中结果，总是带 idempotent 标记和缓存年龄
type Hit struct {
	Entry
	Idempotent bool
	CacheAge   time.Duration
}

func newHit(e Entry, now time.Time) *Hit {
	age := now.Sub(e.CachedAt)
	if age < 0 {
		age = 0
	}
	return &Hit{Entry: e, Idempotent: true, CacheAge: age}
}

// Scope selects entries for Clear:
//   - empty Token: every entry
//   - Token without Workspace: that key in all workspaces
//   - Token and Workspace: one entry
//
// An empty Namespace with a Token matches the token in any namespace.
type Scope struct {
	Namespace string
	Token     string
	Workspace string
}

func (s Scope) matches(k Key) bool {
	if s.Token == "" {
		return true
	}
	if k.Token != s.Token {
		return false
	}
	if s.Namespace != "" && k.Namespace != s.Namespace {
		return false
	}
	return s.Workspace == "" || k.Workspace == s.Workspace
}

// Store 幂等存储
type Store interface {
	// Get returns nil when the key is absent or expired; expired entries are evicted.
	Get(ctx context.Context, key Key) (*Hit, error)
	// Set stores e only if no live entry exists. It reports whether e was stored.
	Set(ctx context.Context, key Key, e Entry) (bool, error)
	// Clear removes matching entries and returns how many were removed.
	Clear(ctx context.Context, scope Scope) (int, error)
}
