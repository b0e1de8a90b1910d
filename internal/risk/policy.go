package risk

import (
	commonerrors "github.com/exchange/spotbot/pkg/errors"
	"github.com/exchange/spotbot/pkg/logger"
)

// Limits 风控阈值，0 表示不限制
type Limits struct {
	MaxDailyLossUSD      float64
	MaxConsecutiveLosses int
	CooldownMinutes      int
	MaxTradesPerHour     int
	MaxTradesPerMinute   int
	MaxConsecutiveErrors int
}

// Policy applies Limits to a State on behalf of the caller.
type Policy struct {
	state  *State
	limits Limits
	log    *logger.Logger
}

func NewPolicy(state *State, limits Limits, log *logger.Logger) *Policy {
	return &Policy{state: state, limits: limits, log: logger.OrNop(log)}
}

// State 返回底层状态
func (p *Policy) State() *State {
	return p.state
}

// Check 返回第一个阻止下单的原因，可以下单时返回 nil
func (p *Policy) Check(symbol string) error {
	if halted, reason := p.state.IsHalted(); halted {
		return commonerrors.Newf(commonerrors.CodeTradingHalted, "trading halted: %s", reason)
	}
	if p.state.IsOnCooldown(symbol) {
		return commonerrors.Newf(commonerrors.CodeSymbolCooldown, "%s on cooldown for %ds", symbol, p.state.RemainingSeconds(symbol))
	}
	if p.limits.MaxTradesPerMinute > 0 && p.state.TradesLastMinute() >= p.limits.MaxTradesPerMinute {
		return commonerrors.Newf(commonerrors.CodeVelocityLimit, "trades per minute limit reached (%d)", p.limits.MaxTradesPerMinute)
	}
	if p.limits.MaxTradesPerHour > 0 && p.state.TradesLastHour() >= p.limits.MaxTradesPerHour {
		return commonerrors.Newf(commonerrors.CodeVelocityLimit, "trades per hour limit reached (%d)", p.limits.MaxTradesPerHour)
	}
	return nil
}

// Outcome Apply 的结果
type Outcome struct {
	LossStreak      int  `json:"lossStreak"`
	CooldownApplied bool `json:"cooldownApplied"`
	Halted          bool `json:"halted"`
}

// Apply 记录平仓结果，必要时触发冷却或日亏损暂停
func (p *Policy) Apply(symbol string, pnl float64) Outcome {
	p.state.AddTradeResult(symbol, pnl)
	out := Outcome{LossStreak: p.state.LossStreak(symbol)}

	if p.limits.MaxConsecutiveLosses > 0 && out.LossStreak >= p.limits.MaxConsecutiveLosses && p.limits.CooldownMinutes > 0 {
		p.state.AddCooldown(symbol, p.limits.CooldownMinutes)
		out.CooldownApplied = true
		p.log.Warnf("symbol cooldown applied", map[string]interface{}{
			"symbol":      symbol,
			"loss_streak": out.LossStreak,
			"minutes":     p.limits.CooldownMinutes,
		})
	}

	if p.limits.MaxDailyLossUSD > 0 && p.state.DailyPnL() <= -p.limits.MaxDailyLossUSD {
		if p.state.Halt(ReasonDailyLossLimit) {
			out.Halted = true
			p.log.Errorf("trading halted", map[string]interface{}{
				"reason":    ReasonDailyLossLimit,
				"daily_pnl": p.state.DailyPnL(),
			})
		}
	}
	return out
}

// ApplyError 记录系统错误，连续错误达到上限时暂停。返回是否因此暂停。
func (p *Policy) ApplyError() bool {
	p.state.TrackError()
	if p.limits.MaxConsecutiveErrors <= 0 || p.state.ConsecutiveErrors() < p.limits.MaxConsecutiveErrors {
		return false
	}
	if !p.state.Halt(ReasonSystemErrors) {
		return false
	}
	p.log.Errorf("trading halted", map[string]interface{}{
		"reason":             ReasonSystemErrors,
		"consecutive_errors": p.state.ConsecutiveErrors(),
	})
	return true
}

// DailyReset 日期变化时重置，返回是否重置以及是否自动恢复
func (p *Policy) DailyReset() (reset, resumed bool) {
	if !p.state.ShouldResetDaily() {
		return false, false
	}
	resumed = p.state.ResetDaily()
	p.log.Infof("daily risk reset", map[string]interface{}{"resumed": resumed})
	return true, resumed
}
