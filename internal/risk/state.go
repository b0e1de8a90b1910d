// Package risk 每个 workspace 的内存风控状态
//
// State 只记录，不拦截；拦截由调用方（见 Policy）决定。
// 进程重启后重新构建，不是持仓的权威来源。
package risk

import (
	"math"
	"sync"
	"time"
)

const (
	// 两次亏损间隔超过该值，连亏计数从 1 重新开始
	lossStreakGap = 5 * time.Minute
	// 两次错误间隔达到该值，连续错误计数从 1 重新开始
	errorStreakGap = 10 * time.Second

	hourWindow   = time.Hour
	minuteWindow = time.Minute

	// DefaultErrorWindow 错误滑动窗口
	DefaultErrorWindow = 5 * time.Minute
)

// Halt reasons.
const (
	ReasonDailyLossLimit = "daily_loss_limit"
	ReasonSystemErrors   = "system_errors"
	ReasonManual         = "manual"
)

// State 风控状态，所有方法并发安全
type State struct {
	mu  sync.Mutex
	now func() time.Time

	dailyPnL      float64
	dailyTrades   int
	dailyWins     int
	dailyLosses   int
	lastResetDate string

	lossStreak map[string]int
	lastLossAt map[string]time.Time
	cooldowns  map[string]time.Time

	halted     bool
	haltReason string
	haltedAt   time.Time

	tradesHour   []time.Time
	tradesMinute []time.Time

	errorWindow       time.Duration
	errors            []time.Time
	lastErrorAt       time.Time
	consecutiveErrors int

	positionCount int
	exposureUSD   float64
}

// NewState 创建状态；now 为空时使用 time.Now，errorWindow<=0 时使用默认值
func NewState(now func() time.Time, errorWindow time.Duration) *State {
	if now == nil {
		now = time.Now
	}
	if errorWindow <= 0 {
		errorWindow = DefaultErrorWindow
	}
	return &State{
		now:           now,
		lastResetDate: utcDate(now()),
		lossStreak:    make(map[string]int),
		lastLossAt:    make(map[string]time.Time),
		cooldowns:     make(map[string]time.Time),
		errorWindow:   errorWindow,
	}
}

func utcDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// AddTradeResult 记录一笔平仓结果。pnl>0 计为盈利，pnl<0 计为亏损。
func (s *State) AddTradeResult(symbol string, pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.dailyTrades++
	s.dailyPnL += pnl

	switch {
	case pnl > 0:
		s.dailyWins++
	case pnl < 0:
		s.dailyLosses++
	}

	if pnl >= 0 {
		delete(s.lossStreak, symbol)
		delete(s.lastLossAt, symbol)
		return
	}

	if last, ok := s.lastLossAt[symbol]; ok && now.Sub(last) <= lossStreakGap {
		s.lossStreak[symbol]++
	} else {
		s.lossStreak[symbol] = 1
	}
	s.lastLossAt[symbol] = now
}

// LossStreak 返回 symbol 当前连亏次数
func (s *State) LossStreak(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lossStreak[symbol]
}

// AddCooldown 设置冷却，覆盖已有到期时间
func (s *State) AddCooldown(symbol string, minutes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[symbol] = s.now().Add(time.Duration(minutes) * time.Minute)
}

// IsOnCooldown 到期的条目在读时删除
func (s *State) IsOnCooldown(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.cooldowns[symbol]
	if !ok {
		return false
	}
	if !s.now().Before(expiry) {
		delete(s.cooldowns, symbol)
		return false
	}
	return true
}

// RemainingSeconds 剩余冷却秒数（向上取整），不修改状态
func (s *State) RemainingSeconds(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.cooldowns[symbol]
	if !ok {
		return 0
	}
	left := expiry.Sub(s.now())
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

// Halt 暂停交易，已暂停时不改变原因和时间。返回是否发生了状态变化。
func (s *State) Halt(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted {
		return false
	}
	s.halted = true
	s.haltReason = reason
	s.haltedAt = s.now()
	return true
}

// Resume 恢复交易
func (s *State) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeLocked()
}

func (s *State) resumeLocked() {
	s.halted = false
	s.haltReason = ""
	s.haltedAt = time.Time{}
}

// IsHalted 返回是否暂停及原因
func (s *State) IsHalted() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted, s.haltReason
}

// RecordTrade 记录一次成交，用于频率限制
func (s *State) RecordTrade() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.tradesHour = append(s.tradesHour, now)
	s.tradesMinute = append(s.tradesMinute, now)
}

// TradesLastHour 最近一小时成交次数
func (s *State) TradesLastHour() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tradesHour = trimBefore(s.tradesHour, s.now().Add(-hourWindow))
	return len(s.tradesHour)
}

// TradesLastMinute 最近一分钟成交次数
func (s *State) TradesLastMinute() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tradesMinute = trimBefore(s.tradesMinute, s.now().Add(-minuteWindow))
	return len(s.tradesMinute)
}

// TrackError 记录一次系统错误
func (s *State) TrackError() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	// 连续性按上一次错误时间判断，与窗口裁剪无关
	if !s.lastErrorAt.IsZero() && now.Sub(s.lastErrorAt) < errorStreakGap {
		s.consecutiveErrors++
	} else {
		s.consecutiveErrors = 1
	}
	s.lastErrorAt = now
	s.errors = append(s.errors, now)
	s.errors = trimBefore(s.errors, now.Add(-s.errorWindow))
}

// ConsecutiveErrors 连续错误次数
func (s *State) ConsecutiveErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveErrors
}

// RecentErrors 错误窗口内的错误次数
func (s *State) RecentErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = trimBefore(s.errors, s.now().Add(-s.errorWindow))
	return len(s.errors)
}

// ShouldResetDaily 上次重置日期不是今天（UTC）
func (s *State) ShouldResetDaily() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResetDate != utcDate(s.now())
}

// ResetDaily 清零日内计数。因日亏损上限暂停的交易自动恢复，返回是否恢复。
func (s *State) ResetDaily() (resumed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dailyPnL = 0
	s.dailyTrades = 0
	s.dailyWins = 0
	s.dailyLosses = 0
	s.lastResetDate = utcDate(s.now())

	if s.halted && s.haltReason == ReasonDailyLossLimit {
		s.resumeLocked()
		return true
	}
	return false
}

// SetExposure 更新持仓数量与总敞口
func (s *State) SetExposure(positionCount int, exposureUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positionCount = positionCount
	s.exposureUSD = exposureUSD
}

// DailyPnL 当日盈亏
func (s *State) DailyPnL() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dailyPnL
}

// Snapshot 风控状态快照
type Snapshot struct {
	DailyPnL          float64        `json:"dailyPnl"`
	DailyTrades       int            `json:"dailyTrades"`
	DailyWins         int            `json:"dailyWins"`
	DailyLosses       int            `json:"dailyLosses"`
	LastResetDate     string         `json:"lastResetDate"`
	Halted            bool           `json:"halted"`
	HaltReason        string         `json:"haltReason,omitempty"`
	HaltedAt          *time.Time     `json:"haltedAt,omitempty"`
	LossStreaks       map[string]int `json:"lossStreaks"`
	Cooldowns         map[string]int `json:"cooldowns"` // symbol -> remaining seconds
	TradesLastHour    int            `json:"tradesLastHour"`
	TradesLastMinute  int            `json:"tradesLastMinute"`
	RecentErrors      int            `json:"recentErrors"`
	ConsecutiveErrors int            `json:"consecutiveErrors"`
	PositionCount     int            `json:"positionCount"`
	ExposureUSD       float64        `json:"exposureUsd"`
}

// Snapshot 返回副本，同时清理过期的冷却与窗口
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.tradesHour = trimBefore(s.tradesHour, now.Add(-hourWindow))
	s.tradesMinute = trimBefore(s.tradesMinute, now.Add(-minuteWindow))
	s.errors = trimBefore(s.errors, now.Add(-s.errorWindow))

	snap := Snapshot{
		DailyPnL:          s.dailyPnL,
		DailyTrades:       s.dailyTrades,
		DailyWins:         s.dailyWins,
		DailyLosses:       s.dailyLosses,
		LastResetDate:     s.lastResetDate,
		Halted:            s.halted,
		HaltReason:        s.haltReason,
		LossStreaks:       make(map[string]int, len(s.lossStreak)),
		Cooldowns:         make(map[string]int, len(s.cooldowns)),
		TradesLastHour:    len(s.tradesHour),
		TradesLastMinute:  len(s.tradesMinute),
		RecentErrors:      len(s.errors),
		ConsecutiveErrors: s.consecutiveErrors,
		PositionCount:     s.positionCount,
		ExposureUSD:       s.exposureUSD,
	}
	if s.halted {
		at := s.haltedAt
		snap.HaltedAt = &at
	}
	for sym, n := range s.lossStreak {
		snap.LossStreaks[sym] = n
	}
	for sym, expiry := range s.cooldowns {
		left := expiry.Sub(now)
		if left <= 0 {
			delete(s.cooldowns, sym)
			continue
		}
		snap.Cooldowns[sym] = int(math.Ceil(left.Seconds()))
	}
	return snap
}

// trimBefore drops leading timestamps older than cutoff. Queues are append-only in time order.
func trimBefore(q []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(q) && q[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return q
	}
	return append(q[:0:0], q[i:]...)
}
