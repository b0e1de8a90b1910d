package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/exchange/spotbot/internal/repository"
	commonerrors "github.com/exchange/spotbot/pkg/errors"
)

type stubQuotes struct {
	mu         sync.Mutex
	bid, ask   float64
	err        error
	subscribed map[string]int
}

func (q *stubQuotes) BestBidAsk(ctx context.Context, symbol string) (float64, float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bid, q.ask, q.err
}

func (q *stubQuotes) Subscribe(symbol string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.subscribed == nil {
		q.subscribed = make(map[string]int)
	}
	q.subscribed[symbol]++
	return nil
}

func (q *stubQuotes) Unsubscribe(symbol string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subscribed[symbol]--
}

type stubTracker struct {
	mu        sync.Mutex
	records   []*repository.FillRecord
	failNext  int
	err       error
	positions []repository.Position
}

func (s *stubTracker) RecordFill(ctx context.Context, rec *repository.FillRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *stubTracker) OpenPositions(ctx context.Context, workspace string) ([]repository.Position, error) {
	return s.positions, nil
}

func (s *stubTracker) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type stubPublisher struct {
	mu     sync.Mutex
	events []FillEvent
	err    error
}

func (p *stubPublisher) PublishFill(ctx context.Context, workspace string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev, ok := event.(FillEvent); ok {
		p.events = append(p.events, ev)
	}
	return p.err
}

func newTestPaper(quotes *stubQuotes, tracker *stubTracker, pub *stubPublisher) *SimulatedExecutor {
	cfg := PaperConfig{
		Workspace: "ws-1",
		Quotes:    quotes,
		Now:       func() time.Time { return time.UnixMilli(1700000000000) },
	}
	if tracker != nil {
		cfg.Tracker = tracker
	}
	if pub != nil {
		cfg.Publisher = pub
	}
	return NewSimulatedExecutor(cfg)
}

func TestPaperFillsAtBestBidAsk(t *testing.T) {
	quotes := &stubQuotes{bid: 99, ask: 101}
	tracker := &stubTracker{}
	pub := &stubPublisher{}
	p := newTestPaper(quotes, tracker, pub)
	ctx := context.Background()

	id, err := p.PlaceMaker(ctx, "XUSDT", SideBuy, 95, 2, "entry")
	if err != nil || id == "" {
		t.Fatalf("PlaceMaker: %q %v", id, err)
	}
	pos, _ := p.GetPosition(ctx, "XUSDT")
	if pos.Qty != 2 || pos.AvgPrice != 99 {
		t.Fatalf("BUY must fill at bid: %+v", pos)
	}
	if pos.UnrealizedPnL != 2 {
		t.Fatalf("expected unrealized (100-99)*2=2, got %v", pos.UnrealizedPnL)
	}
	if pos.UpdatedAtMs != 1700000000000 {
		t.Fatalf("unexpected updatedAtMs %d", pos.UpdatedAtMs)
	}

	if _, err := p.PlaceMaker(ctx, "XUSDT", SideSell, 0, 1, "exit"); err != nil {
		t.Fatalf("sell: %v", err)
	}
	pos, _ = p.GetPosition(ctx, "XUSDT")
	if pos.Qty != 1 || pos.RealizedPnL != 2 {
		t.Fatalf("SELL must fill at ask: %+v", pos)
	}

	if tracker.count() != 2 {
		t.Fatalf("expected 2 persisted fills, got %d", tracker.count())
	}
	rec := tracker.records[1]
	if rec.Side != "SELL" || rec.Price != 101 || rec.PositionQty != 1 || rec.RealizedPnL != 2 || rec.Tag != "exit" {
		t.Fatalf("unexpected fill record %+v", rec)
	}
	if len(pub.events) != 2 || pub.events[0].ClientOrderID != id {
		t.Fatalf("expected published events, got %+v", pub.events)
	}
}

func TestPaperFallsBackToOrderPrice(t *testing.T) {
	quotes := &stubQuotes{err: errors.New("feed down")}
	p := newTestPaper(quotes, nil, nil)

	if _, err := p.PlaceMaker(context.Background(), "XUSDT", SideBuy, 50, 1, ""); err != nil {
		t.Fatalf("PlaceMaker: %v", err)
	}
	pos, _ := p.GetPosition(context.Background(), "XUSDT")
	if pos.AvgPrice != 50 || pos.UnrealizedPnL != 0 {
		t.Fatalf("expected fill at order price without quotes, got %+v", pos)
	}

	quotes.err = nil
	if _, err := p.PlaceMaker(context.Background(), "YUSDT", SideBuy, 0, 1, ""); !commonerrors.Is(err, commonerrors.CodeInvalidPrice) {
		t.Fatalf("expected INVALID_PRICE without any usable price, got %v", err)
	}
}

func TestPaperRejectsInvalidQuantity(t *testing.T) {
	p := newTestPaper(&stubQuotes{bid: 1, ask: 2}, nil, nil)
	for _, qty := range []float64{0, -1} {
		id, err := p.PlaceMaker(context.Background(), "XUSDT", SideBuy, 1, qty, "")
		if id != "" || !commonerrors.Is(err, commonerrors.CodeInvalidQuantity) {
			t.Fatalf("qty %v: expected rejection, got %q %v", qty, id, err)
		}
	}
	id, err := p.PlaceMaker(context.Background(), "XUSDT", SideSell, 1, 1, "")
	if id != "" || !commonerrors.Is(err, commonerrors.CodeInvalidQuantity) {
		t.Fatalf("selling without a position must be rejected, got %q %v", id, err)
	}
}

func TestPaperPersistenceFailureQueuesForReconcile(t *testing.T) {
	tracker := &stubTracker{failNext: 1, err: errors.New("db down")}
	p := newTestPaper(&stubQuotes{bid: 10, ask: 11}, tracker, nil)
	ctx := context.Background()

	id, err := p.PlaceMaker(ctx, "XUSDT", SideBuy, 10, 1, "")
	if id == "" {
		t.Fatalf("fill happened in memory, id must be returned")
	}
	if !errors.Is(err, ErrPersistence) || !commonerrors.Is(err, commonerrors.CodePersistenceFailure) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	pos, _ := p.GetPosition(ctx, "XUSDT")
	if pos.Qty != 1 {
		t.Fatalf("ledger must keep the fill, got %+v", pos)
	}
	if p.PendingWrites() != 1 {
		t.Fatalf("expected 1 pending write, got %d", p.PendingWrites())
	}

	written, err := p.Reconcile(ctx)
	if err != nil || written != 1 {
		t.Fatalf("Reconcile: %d %v", written, err)
	}
	if p.PendingWrites() != 0 || tracker.count() != 1 {
		t.Fatalf("expected backlog drained, pending=%d persisted=%d", p.PendingWrites(), tracker.count())
	}
	if tracker.records[0].ClientOrderID != id {
		t.Fatalf("reconciled record mismatch")
	}
}

func TestPaperPendingWritesKeepOrder(t *testing.T) {
	tracker := &stubTracker{failNext: 2, err: errors.New("db down")}
	p := newTestPaper(&stubQuotes{bid: 10, ask: 11}, tracker, nil)
	ctx := context.Background()

	first, _ := p.PlaceMaker(ctx, "XUSDT", SideBuy, 10, 1, "")
	second, err := p.PlaceMaker(ctx, "XUSDT", SideBuy, 10, 1, "")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("second fill must wait behind the first, got %v", err)
	}
	third, err := p.PlaceMaker(ctx, "XUSDT", SideBuy, 10, 1, "")
	if err != nil {
		t.Fatalf("backlog should flush once the store recovers: %v", err)
	}
	if tracker.count() != 3 {
		t.Fatalf("expected 3 persisted fills, got %d", tracker.count())
	}
	for i, want := range []string{first, second, third} {
		if tracker.records[i].ClientOrderID != want {
			t.Fatalf("record %d out of order", i)
		}
	}
}

// parkingRecorder 第一次 IncFill 时阻塞，直到 release 关闭
type parkingRecorder struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (r *parkingRecorder) IncFill(workspace, mode, side string) {
	first := false
	r.once.Do(func() { first = true })
	if first {
		close(r.entered)
		<-r.release
	}
}

func (r *parkingRecorder) IncPersistFailure(string)    {}
func (r *parkingRecorder) SetPendingWrites(string, int) {}

func TestPaperConcurrentFillsPersistInLedgerOrder(t *testing.T) {
	quotes := &stubQuotes{bid: 100, ask: 101}
	tracker := &stubTracker{}
	rec := &parkingRecorder{entered: make(chan struct{}), release: make(chan struct{})}
	p := NewSimulatedExecutor(PaperConfig{
		Workspace: "ws-1",
		Quotes:    quotes,
		Tracker:   tracker,
		Recorder:  rec,
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.PlaceMaker(ctx, "XUSDT", SideBuy, 100, 10, "")
	}()
	<-rec.entered

	quotes.mu.Lock()
	quotes.bid = 106
	quotes.mu.Unlock()
	go func() {
		defer wg.Done()
		p.PlaceMaker(ctx, "XUSDT", SideBuy, 106, 5, "")
	}()
	time.Sleep(50 * time.Millisecond)
	close(rec.release)
	wg.Wait()

	if tracker.count() != 2 {
		t.Fatalf("expected 2 persisted fills, got %d", tracker.count())
	}
	last := tracker.records[1]
	pos, _ := p.GetPosition(ctx, "XUSDT")
	if last.PositionQty != pos.Qty || last.PositionAvgPrice != pos.AvgPrice {
		t.Fatalf("last persisted snapshot %v@%v differs from ledger %v@%v",
			last.PositionQty, last.PositionAvgPrice, pos.Qty, pos.AvgPrice)
	}
	if pos.Qty != 15 || pos.AvgPrice != 102 {
		t.Fatalf("expected 15 @ 102, got %+v", pos)
	}
}

func TestPaperDuplicateOnReplayIsDropped(t *testing.T) {
	tracker := &stubTracker{failNext: 1, err: repository.ErrDuplicateClientOrderID}
	p := newTestPaper(&stubQuotes{bid: 10, ask: 11}, tracker, nil)
	if _, err := p.PlaceMaker(context.Background(), "XUSDT", SideBuy, 10, 1, ""); err != nil {
		t.Fatalf("duplicate id means already persisted: %v", err)
	}
	if p.PendingWrites() != 0 {
		t.Fatalf("duplicate must not stay queued")
	}
}

func TestPaperFlattenPriceFallbacks(t *testing.T) {
	quotes := &stubQuotes{bid: 100, ask: 0}
	p := newTestPaper(quotes, nil, nil)
	ctx := context.Background()

	if err := p.FlattenSymbol(ctx, "XUSDT"); err != nil {
		t.Fatalf("flatten on empty position is a no-op: %v", err)
	}

	p.PlaceMaker(ctx, "XUSDT", SideBuy, 100, 3, "")
	quotes.bid = 104
	if err := p.FlattenSymbol(ctx, "XUSDT"); err != nil {
		t.Fatalf("FlattenSymbol: %v", err)
	}
	pos, _ := p.GetPosition(ctx, "XUSDT")
	if pos.Qty != 0 || pos.RealizedPnL != 12 {
		t.Fatalf("expected flatten at bid 104 when ask is missing: %+v", pos)
	}

	quotes.bid, quotes.ask = 50, 0
	p.PlaceMaker(ctx, "YUSDT", SideBuy, 50, 1, "")
	quotes.err = errors.New("feed down")
	if err := p.FlattenSymbol(ctx, "YUSDT"); err != nil {
		t.Fatalf("FlattenSymbol: %v", err)
	}
	pos, _ = p.GetPosition(ctx, "YUSDT")
	if pos.Qty != 0 || pos.RealizedPnL != 0 {
		t.Fatalf("expected flatten at average price without quotes: %+v", pos)
	}
}

func TestPaperRestoreFromTracker(t *testing.T) {
	tracker := &stubTracker{positions: []repository.Position{
		{Symbol: "XUSDT", Qty: 15, EntryPrice: 102, RealizedPnL: 3, UpdatedAtMs: 1690000000000},
	}}
	p := newTestPaper(&stubQuotes{}, tracker, nil)

	n, err := p.Restore(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Restore: %d %v", n, err)
	}
	pos, _ := p.GetPosition(context.Background(), "XUSDT")
	if pos.Qty != 15 || pos.AvgPrice != 102 || pos.RealizedPnL != 3 || pos.UpdatedAtMs != 1690000000000 {
		t.Fatalf("unexpected restored position %+v", pos)
	}
	if count, usd := p.Exposure(); count != 1 || usd != 1530 {
		t.Fatalf("unexpected exposure %d %v", count, usd)
	}
}

func TestPaperSymbolTracking(t *testing.T) {
	quotes := &stubQuotes{}
	p := newTestPaper(quotes, nil, nil)
	ctx := context.Background()

	p.StartSymbol(ctx, "XUSDT")
	p.StartSymbol(ctx, "XUSDT")
	if quotes.subscribed["XUSDT"] != 1 {
		t.Fatalf("expected a single subscription, got %d", quotes.subscribed["XUSDT"])
	}
	if syms := p.Symbols(); len(syms) != 1 {
		t.Fatalf("unexpected symbols %v", syms)
	}
	p.StopSymbol(ctx, "XUSDT")
	if quotes.subscribed["XUSDT"] != 0 || len(p.Symbols()) != 0 {
		t.Fatalf("expected unsubscribe on stop")
	}
	if err := p.CancelOrders(ctx, "XUSDT"); err != nil {
		t.Fatalf("paper CancelOrders is a no-op: %v", err)
	}
}

func TestPaperPublishFailureIsIgnored(t *testing.T) {
	pub := &stubPublisher{err: errors.New("redis down")}
	p := newTestPaper(&stubQuotes{bid: 1, ask: 2}, nil, pub)
	if _, err := p.PlaceMaker(context.Background(), "XUSDT", SideBuy, 1, 1, ""); err != nil {
		t.Fatalf("publish failures must not fail the fill: %v", err)
	}
}
