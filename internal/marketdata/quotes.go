// Package marketdata 最优买卖价来源（外部行情适配）
package marketdata

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNoQuote    = errors.New("no quote for symbol")
	ErrStaleQuote = errors.New("quote is stale")
)

// Quote 最优买卖价
type Quote struct {
	Bid       float64
	Ask       float64
	UpdatedAt time.Time
}

// StaticQuotes 进程内行情，未配置行情推送或测试时使用
type StaticQuotes struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	now    func() time.Time
}

// NewStaticQuotes 创建静态行情
func NewStaticQuotes() *StaticQuotes {
	return &StaticQuotes{quotes: make(map[string]Quote), now: time.Now}
}

// Set 更新报价
func (s *StaticQuotes) Set(symbol string, bid, ask float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[symbol] = Quote{Bid: bid, Ask: ask, UpdatedAt: s.now()}
}

// BestBidAsk 实现 execution.QuoteSource
func (s *StaticQuotes) BestBidAsk(ctx context.Context, symbol string) (float64, float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	if !ok {
		return 0, 0, ErrNoQuote
	}
	return q.Bid, q.Ask, nil
}
