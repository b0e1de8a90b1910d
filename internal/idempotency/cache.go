package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/exchange/spotbot/pkg/logger"
)

// DefaultSweepInterval 后台清理间隔
const DefaultSweepInterval = 60 * time.Second

// Cache 内存幂等缓存
type Cache struct {
	mu      sync.Mutex
	entries map[Key]Entry

	now           func() time.Time
	sweepInterval time.Duration
	log           *logger.Logger
	onEvict       func(n int)

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option 缓存选项
type Option func(*Cache)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSweepInterval 设置后台清理间隔
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// WithLogger 设置日志
func WithLogger(log *logger.Logger) Option {
	return func(c *Cache) {
		c.log = logger.OrNop(log)
	}
}

// WithEvictHook is called with the number of entries removed by expiry.
func WithEvictHook(fn func(n int)) Option {
	return func(c *Cache) {
		c.onEvict = fn
	}
}

// NewCache 创建内存缓存
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		entries:       make(map[Key]Entry),
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
		log:           logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get 读取，过期条目在读时删除
func (c *Cache) Get(_ context.Context, key Key) (*Hit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	now := c.now()
	if e.expired(now) {
		delete(c.entries, key)
		c.evicted(1)
		return nil, nil
	}
	return newHit(e, now), nil
}

// Set 先写者胜
func (c *Cache) Set(_ context.Context, key Key, e Entry) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if existing, ok := c.entries[key]; ok && !existing.expired(now) {
		return false, nil
	}
	if e.CachedAt.IsZero() {
		e.CachedAt = now
	}
	c.entries[key] = e
	return true, nil
}

// Clear 按范围删除
func (c *Cache) Clear(_ context.Context, scope Scope) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if scope.Token == "" {
		n := len(c.entries)
		c.entries = make(map[Key]Entry)
		return n, nil
	}
	n := 0
	for k := range c.entries {
		if scope.matches(k) {
			delete(c.entries, k)
			n++
		}
	}
	return n, nil
}

// Len 当前条目数（含未清理的过期条目）
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep 删除所有过期条目
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	c.evicted(n)
	return n
}

func (c *Cache) evicted(n int) {
	if n > 0 && c.onEvict != nil {
		c.onEvict(n)
	}
}

// Start 启动后台清理，重复调用无效
func (c *Cache) Start(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.log.Infof("idempotency sweep", map[string]interface{}{"evicted": n})
				}
			}
		}
	}()
}

// Stop 取消后台清理并等待退出
func (c *Cache) Stop() {
	c.lifecycle.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.lifecycle.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
