// Package repository 订单/成交/持仓持久化
//
// 表结构由外部迁移管理：
//
//	spotbot.orders    (order_id BIGSERIAL, workspace, client_order_id UNIQUE per workspace, ...)
//	spotbot.fills     (fill_id BIGSERIAL, order_id, ...)
//	spotbot.positions (position_id BIGSERIAL, workspace, symbol, side, qty, entry_price, realized_pnl, is_open, ...)
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var (
	ErrDuplicateClientOrderID = errors.New("duplicate client order id")
)

// Order status
const (
	StatusFilled = "FILLED"
)

// PositionSideLong 现货只有多头
const PositionSideLong = "LONG"

// FillRecord 一次成交的完整写入内容，Position* 为成交后的账本状态
type FillRecord struct {
	Workspace     string
	Mode          string
	ClientOrderID string
	Tag           string
	Symbol        string
	Side          string
	OrderType     string
	Qty           float64
	Price         float64
	Fee           float64
	Liquidity     string
	TradeID       string
	FilledAt      time.Time

	PositionQty      float64
	PositionAvgPrice float64
	RealizedPnL      float64
}

// Position 持久化的持仓
type Position struct {
	Symbol      string
	Qty         float64
	EntryPrice  float64
	RealizedPnL float64
	UpdatedAtMs int64
}

// Tracker 持仓跟踪仓储
type Tracker struct {
	db     *sql.DB
	closer func() error
}

// NewTracker 使用已有连接，Close 不关闭 db
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// Open 打开独占连接池
func Open(ctx context.Context, dsn string) (*Tracker, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Tracker{db: db, closer: db.Close}, nil
}

// DB 返回底层连接
func (t *Tracker) DB() *sql.DB {
	return t.db
}

// Close 释放连接池（仅 Open 创建的）
func (t *Tracker) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer()
}

// RecordFill 在一个事务内写入订单、成交并更新持仓
func (t *Tracker) RecordFill(ctx context.Context, rec *FillRecord) error {
	if rec == nil {
		return errors.New("nil fill record")
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	filledAtMs := rec.FilledAt.UnixMilli()

	var orderID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO spotbot.orders
		(workspace, client_order_id, symbol, side, type, qty, price, filled_qty,
		 avg_fill_price, status, tag, mode, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING order_id
	`,
		rec.Workspace, rec.ClientOrderID, rec.Symbol, rec.Side, rec.OrderType,
		num(rec.Qty), num(rec.Price), num(rec.Qty), num(rec.Price),
		StatusFilled, rec.Tag, rec.Mode, filledAtMs,
	).Scan(&orderID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateClientOrderID
		}
		return fmt.Errorf("insert order: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO spotbot.fills
		(order_id, workspace, symbol, side, qty, price, fee, liquidity, trade_id, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		orderID, rec.Workspace, rec.Symbol, rec.Side, num(rec.Qty), num(rec.Price),
		num(rec.Fee), rec.Liquidity, rec.TradeID, filledAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}

	if err := upsertPosition(ctx, tx, rec, filledAtMs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// upsertPosition 更新 open 行；没有 open 行且仍有持仓时插入新行。数量归零时关闭。
func upsertPosition(ctx context.Context, tx *sql.Tx, rec *FillRecord, nowMs int64) error {
	isOpen := rec.PositionQty > 0
	res, err := tx.ExecContext(ctx, `
		UPDATE spotbot.positions
		SET qty = $1, entry_price = $2, realized_pnl = $3, is_open = $4, updated_at_ms = $5
		WHERE workspace = $6 AND symbol = $7 AND side = $8 AND is_open = TRUE
	`,
		num(rec.PositionQty), num(rec.PositionAvgPrice), num(rec.RealizedPnL), isOpen, nowMs,
		rec.Workspace, rec.Symbol, PositionSideLong,
	)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update position rows: %w", err)
	}
	if rows > 0 || !isOpen {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO spotbot.positions
		(workspace, symbol, side, qty, entry_price, realized_pnl, is_open, created_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
	`,
		rec.Workspace, rec.Symbol, PositionSideLong,
		num(rec.PositionQty), num(rec.PositionAvgPrice), num(rec.RealizedPnL), nowMs,
	)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// OpenPositions 读取 workspace 的 open 持仓
func (t *Tracker) OpenPositions(ctx context.Context, workspace string) ([]Position, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT symbol, qty, entry_price, realized_pnl, updated_at_ms
		FROM spotbot.positions
		WHERE workspace = $1 AND side = $2 AND is_open = TRUE
		ORDER BY symbol
	`, workspace, PositionSideLong)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		var qty, entry, realized string
		if err := rows.Scan(&p.Symbol, &qty, &entry, &realized, &p.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if p.Qty, err = parseNum(qty); err != nil {
			return nil, err
		}
		if p.EntryPrice, err = parseNum(entry); err != nil {
			return nil, err
		}
		if p.RealizedPnL, err = parseNum(realized); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return out, nil
}

// num 把浮点数转成不带科学计数法的 NUMERIC 字符串
func num(f float64) string {
	return decimal.NewFromFloat(f).String()
}

func parseNum(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	f, _ := d.Float64()
	return f, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
