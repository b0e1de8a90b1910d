package execution

import (
	"math"
	"sort"
	"sync"
	"time"
)

// qtyEpsilon 剩余数量低于该值视为平仓
const qtyEpsilon = 1e-9

// MemPosition 内存持仓（只做多）
type MemPosition struct {
	Qty         float64
	AvgPrice    float64
	RealizedPnL float64
	LastUpdate  time.Time
}

// FillResult 一次成交对账本的影响
type FillResult struct {
	Position  MemPosition
	FilledQty float64
	// Realized 本次成交实现的盈亏，仅卖出时非零
	Realized float64
}

// Ledger VWAP 持仓账本，锁内完成全部算术
type Ledger struct {
	mu        sync.Mutex
	positions map[string]*MemPosition
	now       func() time.Time
}

// NewLedger 创建账本
func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{positions: make(map[string]*MemPosition), now: now}
}

// Apply 记一笔成交。卖出只平掉已有多头，超出部分忽略。
func (l *Ledger) Apply(symbol string, side Side, qty, price float64) FillResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if side == SideSell && (!ok || pos.Qty <= 0) {
		// 无多头可平，不建记录也不刷新时间
		if ok {
			return FillResult{Position: *pos}
		}
		return FillResult{}
	}
	if !ok {
		pos = &MemPosition{}
		l.positions[symbol] = pos
	}

	res := FillResult{}
	switch side {
	case SideBuy:
		newQty := pos.Qty + qty
		if newQty > 0 {
			if pos.Qty > 0 {
				pos.AvgPrice = (pos.AvgPrice*pos.Qty + price*qty) / newQty
			} else {
				pos.AvgPrice = price
			}
		}
		pos.Qty = newQty
		res.FilledQty = qty
	case SideSell:
		closeQty := math.Min(qty, pos.Qty)
		if closeQty > 0 {
			res.Realized = (price - pos.AvgPrice) * closeQty
			pos.RealizedPnL += res.Realized
			pos.Qty -= closeQty
		}
		if pos.Qty < qtyEpsilon {
			pos.Qty = 0
			pos.AvgPrice = 0
		}
		res.FilledQty = closeQty
	}
	pos.LastUpdate = l.now()
	res.Position = *pos
	return res
}

// Get 返回持仓副本
func (l *Ledger) Get(symbol string) (MemPosition, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[symbol]
	if !ok {
		return MemPosition{}, false
	}
	return *pos, true
}

// Restore 用持久化数据覆盖内存持仓
func (l *Ledger) Restore(symbol string, pos MemPosition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := pos
	l.positions[symbol] = &p
}

// Symbols 账本中的全部交易对（排序）
func (l *Ledger) Symbols() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.positions))
	for s := range l.positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Exposure 持仓数量与按均价计算的名义价值
func (l *Ledger) Exposure() (count int, usd float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.positions {
		if p.Qty > 0 {
			count++
			usd += p.Qty * p.AvgPrice
		}
	}
	return count, usd
}
