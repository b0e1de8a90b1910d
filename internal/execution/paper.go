package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/exchange/spotbot/internal/repository"
	commonerrors "github.com/exchange/spotbot/pkg/errors"
	"github.com/exchange/spotbot/pkg/logger"
	"github.com/exchange/spotbot/pkg/tracing"
)

const (
	paperOrderType = "LIMIT_MAKER"
	liquidityMaker = "MAKER"
	paperIDPrefix  = "paper_"
	flattenTag     = "flatten"
)

// PaperConfig 模拟执行器依赖
type PaperConfig struct {
	Workspace string
	Mode      string
	FeeRate   float64
	Quotes    QuoteSource
	Tracker   Tracker
	Publisher Publisher
	Recorder  Recorder
	Logger    *logger.Logger
	Now       func() time.Time
}

// SimulatedExecutor 按最优买卖价即时成交，写穿到持久化
type SimulatedExecutor struct {
	workspace string
	mode      string
	feeRate   float64
	quotes    QuoteSource
	tracker   Tracker
	publisher Publisher
	recorder  Recorder
	log       *logger.Logger
	now       func() time.Time
	newID     func() string

	ledger  *Ledger
	symbols *symbolSet

	// persistMu 串行化 记账+入队+写库；pending 为写库失败的成交，按顺序重放
	persistMu sync.Mutex
	pending   []*repository.FillRecord
}

// NewSimulatedExecutor 创建模拟执行器
func NewSimulatedExecutor(cfg PaperConfig) *SimulatedExecutor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	mode := cfg.Mode
	if mode == "" {
		mode = "paper"
	}
	return &SimulatedExecutor{
		workspace: cfg.Workspace,
		mode:      mode,
		feeRate:   cfg.FeeRate,
		quotes:    cfg.Quotes,
		tracker:   cfg.Tracker,
		publisher: cfg.Publisher,
		recorder:  cfg.Recorder,
		log:       logger.OrNop(cfg.Logger).WithWorkspace(cfg.Workspace).WithField("mode", mode),
		now:       now,
		newID:     func() string { return paperIDPrefix + uuid.NewString() },
		ledger:    NewLedger(now),
		symbols:   newSymbolSet(cfg.Quotes),
	}
}

// StartSymbol 开始跟踪
func (s *SimulatedExecutor) StartSymbol(ctx context.Context, symbol string) error {
	return s.symbols.start(symbol)
}

// StopSymbol 停止跟踪，不影响持仓
func (s *SimulatedExecutor) StopSymbol(ctx context.Context, symbol string) error {
	s.symbols.stop(symbol)
	return nil
}

// Symbols 跟踪中的交易对
func (s *SimulatedExecutor) Symbols() []string {
	return s.symbols.list()
}

// CancelOrders 模拟成交是即时的，没有挂单
func (s *SimulatedExecutor) CancelOrders(ctx context.Context, symbol string) error {
	return nil
}

// PlaceMaker 买单以买一价成交，卖单以卖一价成交，行情缺失时使用调用方价格。
// 写库失败时仍返回订单 id，错误包装 ErrPersistence。
func (s *SimulatedExecutor) PlaceMaker(ctx context.Context, symbol string, side Side, price, qty float64, tag string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "execution.PlaceMaker")
	defer span.End()
	tracing.SetAttributes(ctx,
		attribute.String("workspace", s.workspace),
		attribute.String("symbol", symbol),
		attribute.String("side", string(side)),
	)

	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return "", commonerrors.Newf(commonerrors.CodeInvalidQuantity, "quantity must be > 0, got %v", qty)
	}
	if side != SideBuy && side != SideSell {
		return "", commonerrors.Newf(commonerrors.CodeInvalidSide, "invalid side %q", side)
	}

	fillPrice := price
	bid, ask, err := bestBidAsk(ctx, s.quotes, symbol)
	if err != nil {
		s.log.WithError(err).Warnf("quote unavailable, using order price", map[string]interface{}{
			"symbol": symbol,
			"price":  price,
		})
	} else if side == SideBuy && bid > 0 {
		fillPrice = bid
	} else if side == SideSell && ask > 0 {
		fillPrice = ask
	}
	if fillPrice <= 0 || math.IsNaN(fillPrice) || math.IsInf(fillPrice, 0) {
		return "", commonerrors.Newf(commonerrors.CodeInvalidPrice, "no usable fill price for %s", symbol)
	}

	id, err := s.fill(ctx, symbol, side, fillPrice, qty, tag)
	if err != nil {
		tracing.SetError(ctx, err)
	}
	return id, err
}

// FlattenSymbol 以卖一价平掉全部多头（回退到买一价，再回退到均价）
func (s *SimulatedExecutor) FlattenSymbol(ctx context.Context, symbol string) error {
	ctx, span := tracing.StartSpan(ctx, "execution.Flatten")
	defer span.End()

	pos, ok := s.ledger.Get(symbol)
	if !ok || pos.Qty <= 0 {
		return nil
	}
	price := pos.AvgPrice
	if bid, ask, err := bestBidAsk(ctx, s.quotes, symbol); err == nil {
		switch {
		case ask > 0:
			price = ask
		case bid > 0:
			price = bid
		}
	}
	_, err := s.fill(ctx, symbol, SideSell, price, pos.Qty, flattenTag)
	if err != nil {
		tracing.SetError(ctx, err)
	}
	return err
}

// GetPosition 持仓快照
func (s *SimulatedExecutor) GetPosition(ctx context.Context, symbol string) (Position, error) {
	return snapshotPosition(ctx, s.ledger, s.quotes, symbol), nil
}

// Exposure 当前持仓数与名义价值
func (s *SimulatedExecutor) Exposure() (int, float64) {
	return s.ledger.Exposure()
}

// fill 记账与入队在同一把锁内完成，写库顺序与账本顺序一致
func (s *SimulatedExecutor) fill(ctx context.Context, symbol string, side Side, fillPrice, qty float64, tag string) (string, error) {
	s.persistMu.Lock()
	res := s.ledger.Apply(symbol, side, qty, fillPrice)
	if res.FilledQty <= 0 {
		s.persistMu.Unlock()
		return "", commonerrors.Newf(commonerrors.CodeInvalidQuantity, "no open long position in %s to sell", symbol)
	}

	id := s.newID()
	filledAt := s.now()
	fee := res.FilledQty * fillPrice * s.feeRate
	if s.recorder != nil {
		s.recorder.IncFill(s.workspace, s.mode, string(side))
	}
	s.log.Infof("paper fill", map[string]interface{}{
		"symbol":          symbol,
		"side":            side,
		"qty":             res.FilledQty,
		"price":           fillPrice,
		"client_order_id": id,
		"position_qty":    res.Position.Qty,
		"avg_price":       res.Position.AvgPrice,
	})

	rec := &repository.FillRecord{
		Workspace:        s.workspace,
		Mode:             s.mode,
		ClientOrderID:    id,
		Tag:              tag,
		Symbol:           symbol,
		Side:             string(side),
		OrderType:        paperOrderType,
		Qty:              res.FilledQty,
		Price:            fillPrice,
		Fee:              fee,
		Liquidity:        liquidityMaker,
		TradeID:          id,
		FilledAt:         filledAt,
		PositionQty:      res.Position.Qty,
		PositionAvgPrice: res.Position.AvgPrice,
		RealizedPnL:      res.Position.RealizedPnL,
	}
	persistErr := s.persistLocked(ctx, rec)
	s.persistMu.Unlock()

	s.publish(ctx, FillEvent{
		Workspace:     s.workspace,
		Mode:          s.mode,
		ClientOrderID: id,
		Symbol:        symbol,
		Side:          side,
		Qty:           res.FilledQty,
		Price:         fillPrice,
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
	})

	if persistErr != nil {
		return id, fmt.Errorf("%w: %v", ErrPersistence, persistErr)
	}
	return id, nil
}

// persistLocked 入队后按顺序写库；前面的记录失败时后面的保持排队。调用方持有 persistMu。
func (s *SimulatedExecutor) persistLocked(ctx context.Context, rec *repository.FillRecord) error {
	if s.tracker == nil {
		return nil
	}
	s.pending = append(s.pending, rec)
	return s.flushLocked(ctx)
}

func (s *SimulatedExecutor) flushLocked(ctx context.Context) error {
	defer func() {
		if s.recorder != nil {
			s.recorder.SetPendingWrites(s.workspace, len(s.pending))
		}
	}()
	for len(s.pending) > 0 {
		rec := s.pending[0]
		err := s.tracker.RecordFill(ctx, rec)
		if err != nil && !errors.Is(err, repository.ErrDuplicateClientOrderID) {
			if s.recorder != nil {
				s.recorder.IncPersistFailure(s.workspace)
			}
			s.log.WithError(err).Errorf("fill write-through failed, queued for reconcile", map[string]interface{}{
				"symbol":          rec.Symbol,
				"client_order_id": rec.ClientOrderID,
				"pending":         len(s.pending),
			})
			return err
		}
		s.pending[0] = nil
		s.pending = s.pending[1:]
	}
	return nil
}

// Reconcile 重放写库失败的成交，返回成功写入的条数
func (s *SimulatedExecutor) Reconcile(ctx context.Context) (int, error) {
	if s.tracker == nil {
		return 0, nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	before := len(s.pending)
	if before == 0 {
		return 0, nil
	}
	err := s.flushLocked(ctx)
	written := before - len(s.pending)
	if written > 0 {
		s.log.Infof("reconciled pending fills", map[string]interface{}{
			"written":   written,
			"remaining": len(s.pending),
		})
	}
	return written, err
}

// PendingWrites 待重放条数
func (s *SimulatedExecutor) PendingWrites() int {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return len(s.pending)
}

// Restore 从持久化的 open 持仓重建内存账本
func (s *SimulatedExecutor) Restore(ctx context.Context) (int, error) {
	if s.tracker == nil {
		return 0, nil
	}
	positions, err := s.tracker.OpenPositions(ctx, s.workspace)
	if err != nil {
		return 0, fmt.Errorf("load open positions: %w", err)
	}
	for _, p := range positions {
		s.ledger.Restore(p.Symbol, MemPosition{
			Qty:         p.Qty,
			AvgPrice:    p.EntryPrice,
			RealizedPnL: p.RealizedPnL,
			LastUpdate:  time.UnixMilli(p.UpdatedAtMs),
		})
	}
	if len(positions) > 0 {
		s.log.Infof("ledger restored", map[string]interface{}{"positions": len(positions)})
	}
	return len(positions), nil
}

func (s *SimulatedExecutor) publish(ctx context.Context, event FillEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishFill(ctx, s.workspace, event); err != nil {
		s.log.WithError(err).Warnf("publish fill event failed", map[string]interface{}{
			"symbol":          event.Symbol,
			"client_order_id": event.ClientOrderID,
		})
	}
}
