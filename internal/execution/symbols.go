package execution

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var errNoQuoteSource = errors.New("no quote source configured")

// symbolSet 跟踪中的交易对，同时负责行情订阅
type symbolSet struct {
	mu      sync.Mutex
	symbols map[string]struct{}
	quotes  QuoteSource
}

func newSymbolSet(quotes QuoteSource) *symbolSet {
	return &symbolSet{symbols: make(map[string]struct{}), quotes: quotes}
}

func (s *symbolSet) start(symbol string) error {
	s.mu.Lock()
	_, exists := s.symbols[symbol]
	s.symbols[symbol] = struct{}{}
	s.mu.Unlock()
	if exists {
		return nil
	}
	if sub, ok := s.quotes.(Subscriber); ok {
		if err := sub.Subscribe(symbol); err != nil {
			s.mu.Lock()
			delete(s.symbols, symbol)
			s.mu.Unlock()
			return err
		}
	}
	return nil
}

func (s *symbolSet) stop(symbol string) {
	s.mu.Lock()
	_, exists := s.symbols[symbol]
	delete(s.symbols, symbol)
	s.mu.Unlock()
	if !exists {
		return
	}
	if sub, ok := s.quotes.(Subscriber); ok {
		sub.Unsubscribe(symbol)
	}
}

func (s *symbolSet) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// bestBidAsk 行情源缺失时返回错误，由调用方决定回退价格
func bestBidAsk(ctx context.Context, quotes QuoteSource, symbol string) (float64, float64, error) {
	if quotes == nil {
		return 0, 0, errNoQuoteSource
	}
	return quotes.BestBidAsk(ctx, symbol)
}

// snapshotPosition 在账本锁外用中间价计算未实现盈亏
func snapshotPosition(ctx context.Context, ledger *Ledger, quotes QuoteSource, symbol string) Position {
	pos, _ := ledger.Get(symbol)
	out := Position{
		Symbol:      symbol,
		Qty:         pos.Qty,
		AvgPrice:    pos.AvgPrice,
		RealizedPnL: pos.RealizedPnL,
	}
	if !pos.LastUpdate.IsZero() {
		out.UpdatedAtMs = pos.LastUpdate.UnixMilli()
	}
	if pos.Qty <= 0 {
		return out
	}
	bid, ask, err := bestBidAsk(ctx, quotes, symbol)
	if err != nil {
		return out
	}
	if mid := midPrice(bid, ask); mid > 0 {
		out.UnrealizedPnL = (mid - pos.AvgPrice) * pos.Qty
	}
	return out
}
