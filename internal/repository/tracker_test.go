package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockTracker(t *testing.T) (*Tracker, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("create sqlmock: %v", err)
	}
	return NewTracker(db), mock, func() { db.Close() }
}

func buyRecord() *FillRecord {
	return &FillRecord{
		Workspace:        "ws-1",
		Mode:             "paper",
		ClientOrderID:    "paper_abc",
		Tag:              "entry",
		Symbol:           "BTCUSDT",
		Side:             "BUY",
		OrderType:        "LIMIT_MAKER",
		Qty:              0.00001,
		Price:            65000.5,
		Fee:              0,
		Liquidity:        "MAKER",
		TradeID:          "t-1",
		FilledAt:         time.UnixMilli(1700000000000),
		PositionQty:      0.00001,
		PositionAvgPrice: 65000.5,
	}
}

func expectInsertOrder(mock sqlmock.Sqlmock, rec *FillRecord) *sqlmock.ExpectedQuery {
	return mock.ExpectQuery(`INSERT INTO spotbot\.orders`).
		WithArgs(rec.Workspace, rec.ClientOrderID, rec.Symbol, rec.Side, rec.OrderType,
			num(rec.Qty), num(rec.Price), num(rec.Qty), num(rec.Price),
			StatusFilled, rec.Tag, rec.Mode, int64(1700000000000))
}

func TestRecordFillOpensPosition(t *testing.T) {
	tracker, mock, cleanup := newMockTracker(t)
	defer cleanup()
	rec := buyRecord()

	mock.ExpectBegin()
	expectInsertOrder(mock, rec).WillReturnRows(sqlmock.NewRows([]string{"order_id"}).AddRow(int64(42)))
	mock.ExpectExec(`INSERT INTO spotbot\.fills`).
		WithArgs(int64(42), "ws-1", "BTCUSDT", "BUY", "0.00001", "65000.5", "0", "MAKER", "t-1", int64(1700000000000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE spotbot\.positions\s+SET qty = \$1`).
		WithArgs("0.00001", "65000.5", "0", true, int64(1700000000000), "ws-1", "BTCUSDT", PositionSideLong).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO spotbot\.positions`).
		WithArgs("ws-1", "BTCUSDT", PositionSideLong, "0.00001", "65000.5", "0", int64(1700000000000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := tracker.RecordFill(context.Background(), rec); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordFillClosesPosition(t *testing.T) {
	tracker, mock, cleanup := newMockTracker(t)
	defer cleanup()
	rec := buyRecord()
	rec.Side = "SELL"
	rec.ClientOrderID = "paper_def"
	rec.PositionQty = 0
	rec.PositionAvgPrice = 0
	rec.RealizedPnL = 12.25

	mock.ExpectBegin()
	expectInsertOrder(mock, rec).WillReturnRows(sqlmock.NewRows([]string{"order_id"}).AddRow(int64(43)))
	mock.ExpectExec(`INSERT INTO spotbot\.fills`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE spotbot\.positions`).
		WithArgs("0", "0", "12.25", false, sqlmock.AnyArg(), "ws-1", "BTCUSDT", PositionSideLong).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := tracker.RecordFill(context.Background(), rec); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordFillRollsBackOnFailure(t *testing.T) {
	tracker, mock, cleanup := newMockTracker(t)
	defer cleanup()
	rec := buyRecord()

	mock.ExpectBegin()
	expectInsertOrder(mock, rec).WillReturnRows(sqlmock.NewRows([]string{"order_id"}).AddRow(int64(44)))
	mock.ExpectExec(`INSERT INTO spotbot\.fills`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := tracker.RecordFill(context.Background(), rec)
	if err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordFillDuplicateClientOrderID(t *testing.T) {
	tracker, mock, cleanup := newMockTracker(t)
	defer cleanup()
	rec := buyRecord()

	mock.ExpectBegin()
	expectInsertOrder(mock, rec).WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	if err := tracker.RecordFill(context.Background(), rec); !errors.Is(err, ErrDuplicateClientOrderID) {
		t.Fatalf("expected ErrDuplicateClientOrderID, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordFillBeginError(t *testing.T) {
	tracker, mock, cleanup := newMockTracker(t)
	defer cleanup()

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
	if err := tracker.RecordFill(context.Background(), buyRecord()); err == nil {
		t.Fatalf("expected begin error")
	}
	if err := tracker.RecordFill(context.Background(), nil); err == nil {
		t.Fatalf("expected nil record error")
	}
}

func TestOpenPositions(t *testing.T) {
	tracker, mock, cleanup := newMockTracker(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT symbol, qty, entry_price, realized_pnl, updated_at_ms\s+FROM spotbot\.positions`).
		WithArgs("ws-1", PositionSideLong).
		WillReturnRows(sqlmock.NewRows([]string{"symbol", "qty", "entry_price", "realized_pnl", "updated_at_ms"}).
			AddRow("BTCUSDT", "15", "102", "0", int64(1700000000000)).
			AddRow("ETHUSDT", "0.5", "3000.25", "-1.5", int64(1700000001000)))

	positions, err := tracker.OpenPositions(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("OpenPositions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(positions))
	}
	if positions[0].Qty != 15 || positions[0].EntryPrice != 102 {
		t.Fatalf("unexpected first position: %+v", positions[0])
	}
	if positions[1].RealizedPnL != -1.5 || positions[1].EntryPrice != 3000.25 {
		t.Fatalf("unexpected second position: %+v", positions[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCloseOnlyOwnedPool(t *testing.T) {
	tracker, _, cleanup := newMockTracker(t)
	defer cleanup()
	if err := tracker.Close(); err != nil {
		t.Fatalf("borrowed pool Close should be a no-op: %v", err)
	}
}

func TestNumFormatting(t *testing.T) {
	if got := num(0.00000001); got != "0.00000001" {
		t.Fatalf("expected plain notation, got %s", got)
	}
	if got := num(1e21); got != "1000000000000000000000" {
		t.Fatalf("expected plain notation, got %s", got)
	}
}
