package execution

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/exchange/spotbot/internal/client"
	commonerrors "github.com/exchange/spotbot/pkg/errors"
	"github.com/exchange/spotbot/pkg/logger"
	"github.com/exchange/spotbot/pkg/tracing"
)

// ExchangeClient 实盘执行器使用的私有 API
type ExchangeClient interface {
	PlaceOrder(ctx context.Context, req client.OrderRequest) (*client.Response, error)
	CancelOrder(ctx context.Context, symbol, orderID, origClientOrderID string) (*client.Response, error)
	OpenOrders(ctx context.Context, symbol string) (*client.Response, error)
	Close()
}

// LiveConfig 实盘执行器依赖
type LiveConfig struct {
	Workspace string
	Client    ExchangeClient
	Quotes    QuoteSource
	Publisher Publisher
	Recorder  Recorder
	Logger    *logger.Logger
	Now       func() time.Time
}

// LiveExecutor 通过签名 REST 下单，成交回报进入同一套 VWAP 账本
type LiveExecutor struct {
	workspace string
	client    ExchangeClient
	quotes    QuoteSource
	publisher Publisher
	recorder  Recorder
	log       *logger.Logger
	now       func() time.Time
	newID     func() string

	ledger  *Ledger
	symbols *symbolSet
}

// NewLiveExecutor 创建实盘执行器
func NewLiveExecutor(cfg LiveConfig) (*LiveExecutor, error) {
	if cfg.Client == nil {
		return nil, errors.New("live executor requires an exchange client")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &LiveExecutor{
		workspace: cfg.Workspace,
		client:    cfg.Client,
		quotes:    cfg.Quotes,
		publisher: cfg.Publisher,
		recorder:  cfg.Recorder,
		log:       logger.OrNop(cfg.Logger).WithWorkspace(cfg.Workspace).WithField("mode", "live"),
		now:       now,
		newID:     newLiveClientOrderID,
		ledger:    NewLedger(now),
		symbols:   newSymbolSet(cfg.Quotes),
	}, nil
}

// newClientOrderId 最长 36 个字符
func newLiveClientOrderID() string {
	return "sb" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// orderAck newOrderRespType=FULL 的下单回报
type orderAck struct {
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Fills               []struct {
		Price      string `json:"price"`
		Qty        string `json:"qty"`
		Commission string `json:"commission"`
		TradeID    int64  `json:"tradeId"`
	} `json:"fills"`
}

type openOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
}

// StartSymbol 开始跟踪
func (l *LiveExecutor) StartSymbol(ctx context.Context, symbol string) error {
	return l.symbols.start(symbol)
}

// StopSymbol 停止跟踪
func (l *LiveExecutor) StopSymbol(ctx context.Context, symbol string) error {
	l.symbols.stop(symbol)
	return nil
}

// PlaceMaker 发送 LIMIT_MAKER 订单，返回交易所订单号
func (l *LiveExecutor) PlaceMaker(ctx context.Context, symbol string, side Side, price, qty float64, tag string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "execution.PlaceMaker")
	defer span.End()
	tracing.SetAttributes(ctx,
		attribute.String("workspace", l.workspace),
		attribute.String("symbol", symbol),
		attribute.String("side", string(side)),
	)

	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return "", commonerrors.Newf(commonerrors.CodeInvalidQuantity, "quantity must be > 0, got %v", qty)
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return "", commonerrors.New(commonerrors.CodeInvalidPrice, "maker order requires a positive price")
	}
	if side != SideBuy && side != SideSell {
		return "", commonerrors.Newf(commonerrors.CodeInvalidSide, "invalid side %q", side)
	}

	ack, err := l.submit(ctx, client.OrderRequest{
		Symbol:        symbol,
		Side:          string(side),
		Type:          "LIMIT_MAKER",
		Quantity:      qty,
		Price:         price,
		ClientOrderID: l.newID(),
	})
	if err != nil {
		tracing.SetError(ctx, err)
		return "", err
	}
	l.applyAck(ctx, symbol, side, ack, tag)
	return strconv.FormatInt(ack.OrderID, 10), nil
}

// CancelOrders 撤销该交易对的全部挂单
func (l *LiveExecutor) CancelOrders(ctx context.Context, symbol string) error {
	resp, err := l.client.OpenOrders(ctx, symbol)
	if err != nil {
		return providerError(err)
	}
	if !resp.OK() {
		return resp.Err()
	}
	var orders []openOrder
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &orders); err != nil {
			return commonerrors.Wrap(commonerrors.CodeProviderRejected, "decode open orders", err)
		}
	}

	var errs []error
	for _, o := range orders {
		cresp, err := l.client.CancelOrder(ctx, symbol, strconv.FormatInt(o.OrderID, 10), "")
		if err != nil {
			errs = append(errs, providerError(err))
			continue
		}
		if !cresp.OK() {
			errs = append(errs, cresp.Err())
		}
	}
	if len(orders) > 0 {
		l.log.Infof("cancel open orders", map[string]interface{}{
			"symbol": symbol,
			"orders": len(orders),
			"failed": len(errs),
		})
	}
	return errors.Join(errs...)
}

// FlattenSymbol 撤单后以市价卖出全部持仓
func (l *LiveExecutor) FlattenSymbol(ctx context.Context, symbol string) error {
	ctx, span := tracing.StartSpan(ctx, "execution.Flatten")
	defer span.End()

	if err := l.CancelOrders(ctx, symbol); err != nil {
		tracing.SetError(ctx, err)
		return err
	}
	pos, ok := l.ledger.Get(symbol)
	if !ok || pos.Qty <= 0 {
		return nil
	}
	ack, err := l.submit(ctx, client.OrderRequest{
		Symbol:        symbol,
		Side:          string(SideSell),
		Type:          "MARKET",
		Quantity:      pos.Qty,
		ClientOrderID: l.newID(),
	})
	if err != nil {
		tracing.SetError(ctx, err)
		return err
	}
	l.applyAck(ctx, symbol, SideSell, ack, flattenTag)
	return nil
}

// GetPosition 持仓快照
func (l *LiveExecutor) GetPosition(ctx context.Context, symbol string) (Position, error) {
	return snapshotPosition(ctx, l.ledger, l.quotes, symbol), nil
}

// Exposure 当前持仓数与名义价值
func (l *LiveExecutor) Exposure() (int, float64) {
	return l.ledger.Exposure()
}

// Close 释放 HTTP 连接
func (l *LiveExecutor) Close() {
	l.client.Close()
}

func (l *LiveExecutor) submit(ctx context.Context, req client.OrderRequest) (*orderAck, error) {
	resp, err := l.client.PlaceOrder(ctx, req)
	if err != nil {
		return nil, providerError(err)
	}
	if !resp.OK() {
		l.log.Warnf("order rejected", map[string]interface{}{
			"symbol":    req.Symbol,
			"side":      req.Side,
			"status":    resp.Failure.Status,
			"code":      resp.Failure.Code,
			"msg":       resp.Failure.Message,
			"transient": resp.Failure.Transient,
		})
		return nil, resp.Err()
	}
	ack := &orderAck{}
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, ack); err != nil {
			return nil, commonerrors.Wrap(commonerrors.CodeProviderRejected, "decode order response", err)
		}
	}
	return ack, nil
}

// applyAck 把回报中的成交计入账本
func (l *LiveExecutor) applyAck(ctx context.Context, symbol string, side Side, ack *orderAck, tag string) {
	qty, avg, fee := ack.filled()
	if qty <= 0 {
		return
	}
	res := l.ledger.Apply(symbol, side, qty, avg)
	if l.recorder != nil {
		l.recorder.IncFill(l.workspace, "live", string(side))
	}
	filledAt := l.now()
	l.log.Infof("live fill", map[string]interface{}{
		"symbol":   symbol,
		"side":     side,
		"qty":      qty,
		"price":    avg,
		"order_id": ack.OrderID,
		"status":   ack.Status,
	})
	if l.publisher == nil {
		return
	}
	event := FillEvent{
		Workspace:     l.workspace,
		Mode:          "live",
		ClientOrderID: ack.ClientOrderID,
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		Price:         avg,
		Fee:           fee,
		Tag:           tag,
		Position: Position{
			Symbol:      symbol,
			Qty:         res.Position.Qty,
			AvgPrice:    res.Position.AvgPrice,
			RealizedPnL: res.Position.RealizedPnL,
			UpdatedAtMs: filledAt.UnixMilli(),
		},
		FilledAt: filledAt,
	}
	if err := l.publisher.PublishFill(ctx, l.workspace, event); err != nil {
		l.log.WithError(err).Warn("publish fill event failed")
	}
}

// filled 成交数量、均价与手续费；均价优先使用 cummulativeQuoteQty/executedQty
func (a *orderAck) filled() (qty, avg, fee float64) {
	executed := parseDecimal(a.ExecutedQty)
	quote := parseDecimal(a.CummulativeQuoteQty)
	feeSum := decimal.Zero
	if executed.IsZero() && len(a.Fills) > 0 {
		notional := decimal.Zero
		for _, f := range a.Fills {
			q := parseDecimal(f.Qty)
			executed = executed.Add(q)
			notional = notional.Add(q.Mul(parseDecimal(f.Price)))
		}
		quote = notional
	}
	for _, f := range a.Fills {
		feeSum = feeSum.Add(parseDecimal(f.Commission))
	}
	if !executed.IsPositive() {
		return 0, 0, 0
	}
	qty, _ = executed.Float64()
	avg, _ = quote.Div(executed).Float64()
	fee, _ = feeSum.Float64()
	return qty, avg, fee
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// providerError 保留已分类的错误，网络错误归为 PROVIDER_UNAVAILABLE
func providerError(err error) error {
	if _, ok := commonerrors.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return commonerrors.Wrap(commonerrors.CodeProviderUnavailable, "exchange request failed", err)
}
