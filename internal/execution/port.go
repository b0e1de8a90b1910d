// Package execution 执行端口：模拟成交（paper）与实盘下单（live）
package execution

import (
	"context"
	"strings"
	"time"

	"github.com/exchange/spotbot/internal/repository"
	commonerrors "github.com/exchange/spotbot/pkg/errors"
)

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide 解析方向（大小写不敏感）
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", commonerrors.Newf(commonerrors.CodeInvalidSide, "invalid side %q", s)
	}
}

// ErrPersistence 成交已进入内存账本但写库失败，等待对账重放
var ErrPersistence = commonerrors.New(commonerrors.CodePersistenceFailure, "fill recorded in memory but not persisted")

// Position 持仓快照（副本）
type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgPrice      float64 `json:"avgPrice"`
	UnrealizedPnL float64 `json:"unrealizedPnl"`
	RealizedPnL   float64 `json:"realizedPnl"`
	UpdatedAtMs   int64   `json:"updatedAtMs"`
}

// Port 执行端口
type Port interface {
	StartSymbol(ctx context.Context, symbol string) error
	StopSymbol(ctx context.Context, symbol string) error
	FlattenSymbol(ctx context.Context, symbol string) error
	CancelOrders(ctx context.Context, symbol string) error
	// PlaceMaker 返回订单 id；拒绝时返回空字符串和错误
	PlaceMaker(ctx context.Context, symbol string, side Side, price, qty float64, tag string) (string, error)
	GetPosition(ctx context.Context, symbol string) (Position, error)
}

// QuoteSource 外部行情：最优买卖价，未知时为 0
type QuoteSource interface {
	BestBidAsk(ctx context.Context, symbol string) (bid, ask float64, err error)
}

// Subscriber is implemented by quote sources that need explicit symbol subscriptions.
type Subscriber interface {
	Subscribe(symbol string) error
	Unsubscribe(symbol string)
}

// Tracker 持久化写穿
type Tracker interface {
	RecordFill(ctx context.Context, rec *repository.FillRecord) error
	OpenPositions(ctx context.Context, workspace string) ([]repository.Position, error)
}

// Publisher 成交事件推送
type Publisher interface {
	PublishFill(ctx context.Context, workspace string, event any) error
}

// Recorder 执行指标
type Recorder interface {
	IncFill(workspace, mode, side string)
	IncPersistFailure(workspace string)
	SetPendingWrites(workspace string, n int)
}

// FillEvent 推送给订阅方的成交事件
type FillEvent struct {
	Workspace     string    `json:"workspace"`
	Mode          string    `json:"mode"`
	ClientOrderID string    `json:"clientOrderId"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Qty           float64   `json:"qty"`
	Price         float64   `json:"price"`
	Fee           float64   `json:"fee"`
	Tag           string    `json:"tag,omitempty"`
	Position      Position  `json:"position"`
	FilledAt      time.Time `json:"filledAt"`
}

func midPrice(bid, ask float64) float64 {
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case bid > 0:
		return bid
	case ask > 0:
		return ask
	default:
		return 0
	}
}
