package risk

import (
	"testing"
	"time"

	commonerrors "github.com/exchange/spotbot/pkg/errors"
)

func TestPolicyCooldownAfterLosses(t *testing.T) {
	s, clock := newTestState()
	p := NewPolicy(s, Limits{MaxConsecutiveLosses: 2, CooldownMinutes: 15}, nil)

	if out := p.Apply("SOLUSDT", -2); out.CooldownApplied {
		t.Fatalf("one loss must not trigger cooldown")
	}
	clock.Advance(time.Minute)
	out := p.Apply("SOLUSDT", -3)
	if !out.CooldownApplied || out.LossStreak != 2 {
		t.Fatalf("expected cooldown on second loss, got %+v", out)
	}

	err := p.Check("SOLUSDT")
	if !commonerrors.Is(err, commonerrors.CodeSymbolCooldown) {
		t.Fatalf("expected SYMBOL_COOLDOWN, got %v", err)
	}
	if err := p.Check("BTCUSDT"); err != nil {
		t.Fatalf("other symbols stay tradable: %v", err)
	}

	clock.Advance(15 * time.Minute)
	if err := p.Check("SOLUSDT"); err != nil {
		t.Fatalf("cooldown should have expired: %v", err)
	}
}

func TestPolicyDailyLossHaltAndReset(t *testing.T) {
	s, clock := newTestState()
	p := NewPolicy(s, Limits{MaxDailyLossUSD: 50}, nil)

	p.Apply("BTCUSDT", -30)
	if halted, _ := s.IsHalted(); halted {
		t.Fatalf("not yet at the limit")
	}
	if out := p.Apply("ETHUSDT", -20); !out.Halted {
		t.Fatalf("expected halt at -50")
	}
	if err := p.Check("BTCUSDT"); !commonerrors.Is(err, commonerrors.CodeTradingHalted) {
		t.Fatalf("expected TRADING_HALTED, got %v", err)
	}

	if reset, _ := p.DailyReset(); reset {
		t.Fatalf("same day must not reset")
	}
	clock.Advance(24 * time.Hour)
	reset, resumed := p.DailyReset()
	if !reset || !resumed {
		t.Fatalf("expected reset and auto-resume, got %v %v", reset, resumed)
	}
	if err := p.Check("BTCUSDT"); err != nil {
		t.Fatalf("trading should resume: %v", err)
	}
}

func TestPolicyVelocity(t *testing.T) {
	s, clock := newTestState()
	p := NewPolicy(s, Limits{MaxTradesPerMinute: 2, MaxTradesPerHour: 3}, nil)

	s.RecordTrade()
	s.RecordTrade()
	if err := p.Check("BTCUSDT"); !commonerrors.Is(err, commonerrors.CodeVelocityLimit) {
		t.Fatalf("expected per-minute limit, got %v", err)
	}
	clock.Advance(2 * time.Minute)
	if err := p.Check("BTCUSDT"); err != nil {
		t.Fatalf("minute window drained: %v", err)
	}
	s.RecordTrade()
	if err := p.Check("BTCUSDT"); !commonerrors.Is(err, commonerrors.CodeVelocityLimit) {
		t.Fatalf("expected per-hour limit, got %v", err)
	}
}

func TestPolicyErrorHalt(t *testing.T) {
	s, clock := newTestState()
	p := NewPolicy(s, Limits{MaxConsecutiveErrors: 3}, nil)

	if p.ApplyError() || p.ApplyError() {
		t.Fatalf("should not halt before the third error")
	}
	clock.Advance(time.Second)
	if !p.ApplyError() {
		t.Fatalf("expected halt on third consecutive error")
	}
	if _, reason := s.IsHalted(); reason != ReasonSystemErrors {
		t.Fatalf("unexpected reason %q", reason)
	}
	if p.ApplyError() {
		t.Fatalf("already halted, must not report a new halt")
	}

	clock.Advance(24 * time.Hour)
	if _, resumed := p.DailyReset(); resumed {
		t.Fatalf("system error halts need an explicit resume")
	}
}
