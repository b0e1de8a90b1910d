package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	commonerrors "github.com/exchange/spotbot/pkg/errors"
	"github.com/exchange/spotbot/pkg/logger"
)

// DefaultTTL 默认缓存时长
const DefaultTTL = 24 * time.Hour

// ErrKeyConflict 同一幂等 key 携带了不同的请求体
var ErrKeyConflict = commonerrors.New(commonerrors.CodeIdempotencyConflict, "idempotency key reused with a different payload")

// Outcome labels reported to the Recorder.
const (
	OutcomeBypass   = "bypass"
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Recorder receives one outcome per Do call.
type Recorder interface {
	IncIdempotency(namespace, outcome string)
}

// Result 拦截器返回值
type Result struct {
	Response        json.RawMessage `json:"data"`
	Idempotent      bool            `json:"idempotent"`
	CachedAt        *time.Time      `json:"cachedAt,omitempty"`
	CacheAgeSeconds *float64        `json:"cacheAgeSeconds,omitempty"`
}

// Handler is the wrapped operation. Its return value is JSON-encoded and cached on success.
type Handler func(ctx context.Context) (any, error)

// Interceptor 幂等拦截器：get → execute → set
type Interceptor struct {
	store    Store
	ttl      time.Duration
	now      func() time.Time
	log      *logger.Logger
	recorder Recorder

	mu       sync.Mutex
	inflight map[Key]chan struct{}
}

// NewInterceptor 创建拦截器，ttl<=0 时使用 DefaultTTL
func NewInterceptor(store Store, ttl time.Duration, log *logger.Logger, recorder Recorder) *Interceptor {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Interceptor{
		store:    store,
		ttl:      ttl,
		now:      time.Now,
		log:      logger.OrNop(log),
		recorder: recorder,
		inflight: make(map[Key]chan struct{}),
	}
}

// Store 返回底层存储
func (i *Interceptor) Store() Store {
	return i.store
}

// Do runs fn at most once per key within the TTL. An empty token disables
// caching for the call. Errors from fn are returned as-is and never cached.
func (i *Interceptor) Do(ctx context.Context, key Key, payload any, fn Handler) (*Result, error) {
	if key.Token == "" {
		i.record(key, OutcomeBypass)
		return i.execute(ctx, fn)
	}

	hash, err := PayloadHash(payload)
	if err != nil {
		return nil, commonerrors.Wrap(commonerrors.CodeInvalidParam, "payload is not serializable", err)
	}

	release, err := i.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	hit, err := i.store.Get(ctx, key)
	if err != nil {
		i.record(key, OutcomeError)
		return nil, commonerrors.Wrap(commonerrors.CodeUnavailable, "idempotency store unavailable", err)
	}
	if hit != nil {
		if hit.PayloadHash != hash {
			i.record(key, OutcomeConflict)
			return nil, ErrKeyConflict
		}
		i.record(key, OutcomeHit)
		return cachedResult(hit), nil
	}

	i.record(key, OutcomeMiss)
	res, err := i.execute(ctx, fn)
	if err != nil {
		return nil, err
	}

	stored, err := i.store.Set(ctx, key, Entry{
		Response:    res.Response,
		PayloadHash: hash,
		CachedAt:    i.now(),
		TTL:         i.ttl,
	})
	if err != nil {
		// 操作已生效，缓存失败只记录
		i.log.WithError(err).Warnf("idempotency store set failed", map[string]interface{}{
			"namespace": key.Namespace,
			"workspace": key.Workspace,
		})
	} else if !stored {
		i.log.Warnf("idempotency entry already present after execution", map[string]interface{}{
			"namespace": key.Namespace,
			"workspace": key.Workspace,
		})
	}
	return res, nil
}

func (i *Interceptor) execute(ctx context.Context, fn Handler) (*Result, error) {
	out, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, commonerrors.Wrap(commonerrors.CodeInternal, "encode response", err)
	}
	return &Result{Response: raw}, nil
}

// acquire serializes concurrent calls for the same key in this process.
// Waiters re-check the store once the holder finishes.
func (i *Interceptor) acquire(ctx context.Context, key Key) (func(), error) {
	for {
		i.mu.Lock()
		ch, busy := i.inflight[key]
		if !busy {
			ch = make(chan struct{})
			i.inflight[key] = ch
			i.mu.Unlock()
			return func() {
				i.mu.Lock()
				delete(i.inflight, key)
				i.mu.Unlock()
				close(ch)
			}, nil
		}
		i.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (i *Interceptor) record(key Key, outcome string) {
	if i.recorder != nil {
		i.recorder.IncIdempotency(key.Namespace, outcome)
	}
}

func cachedResult(hit *Hit) *Result {
	cachedAt := hit.CachedAt
	age := hit.CacheAge.Seconds()
	return &Result{
		Response:        hit.Response,
		Idempotent:      true,
		CachedAt:        &cachedAt,
		CacheAgeSeconds: &age,
	}
}

// PayloadHash 计算请求体的规范化 sha256。
// 对象键排序与字段顺序无关，数字按原文保留。
func PayloadHash(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
