package marketdata

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/exchange/spotbot/pkg/logger"
)

const (
	defaultMaxAge       = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 20 * time.Second
	defaultReadTimeout  = 60 * time.Second
	maxReconnectDelay   = 30 * time.Second
	readLimit           = 1 << 20
)

// BookTickerFeed 订阅 <symbol>@bookTicker 流，在内存中维护最优买卖价
type BookTickerFeed struct {
	url    string
	log    *logger.Logger
	dialer *websocket.Dialer
	now    func() time.Time

	MaxAge       time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration

	mu      sync.RWMutex
	quotes map[string]Quote
	// symbols 引用计数，多个执行器共享同一个 feed
	symbols map[string]int

	connMu  sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	reqID   atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBookTickerFeed 创建行情订阅，Start 后开始连接
func NewBookTickerFeed(url string, log *logger.Logger) *BookTickerFeed {
	return &BookTickerFeed{
		url:          url,
		log:          logger.OrNop(log).WithField("component", "bookticker"),
		dialer:       websocket.DefaultDialer,
		now:          time.Now,
		MaxAge:       defaultMaxAge,
		PingInterval: defaultPingInterval,
		ReadTimeout:  defaultReadTimeout,
		quotes:       make(map[string]Quote),
		symbols:      make(map[string]int),
	}
}

// Start 启动连接循环，断线后指数退避重连
func (f *BookTickerFeed) Start(ctx context.Context) {
	f.connMu.Lock()
	if f.cancel != nil {
		f.connMu.Unlock()
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.connMu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run(ctx)
	}()
}

// Close 停止连接并等待后台协程退出
func (f *BookTickerFeed) Close() {
	f.connMu.Lock()
	cancel := f.cancel
	conn := f.conn
	f.connMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	f.wg.Wait()
}

// Subscribe 增加引用，首个订阅方在已连接时立即发送订阅请求
func (f *BookTickerFeed) Subscribe(symbol string) error {
	symbol = strings.ToUpper(symbol)
	f.mu.Lock()
	f.symbols[symbol]++
	first := f.symbols[symbol] == 1
	f.mu.Unlock()
	if !first {
		return nil
	}
	if err := f.send("SUBSCRIBE", []string{symbol}); err != nil {
		f.release(symbol)
		return err
	}
	return nil
}

// Unsubscribe 减少引用，最后一个订阅方退出时取消订阅并丢弃缓存报价
func (f *BookTickerFeed) Unsubscribe(symbol string) {
	symbol = strings.ToUpper(symbol)
	if !f.release(symbol) {
		return
	}
	if err := f.send("UNSUBSCRIBE", []string{symbol}); err != nil {
		f.log.WithError(err).Warnf("unsubscribe failed", map[string]interface{}{"symbol": symbol})
	}
}

// release 引用归零时返回 true
func (f *BookTickerFeed) release(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.symbols[symbol]
	if !ok {
		return false
	}
	if n > 1 {
		f.symbols[symbol] = n - 1
		return false
	}
	delete(f.symbols, symbol)
	delete(f.quotes, symbol)
	return true
}

// BestBidAsk 实现 execution.QuoteSource；超过 MaxAge 的报价视为过期
func (f *BookTickerFeed) BestBidAsk(ctx context.Context, symbol string) (float64, float64, error) {
	f.mu.RLock()
	q, ok := f.quotes[strings.ToUpper(symbol)]
	f.mu.RUnlock()
	if !ok {
		return 0, 0, ErrNoQuote
	}
	if f.MaxAge > 0 && f.now().Sub(q.UpdatedAt) > f.MaxAge {
		return 0, 0, ErrStaleQuote
	}
	return q.Bid, q.Ask, nil
}

func (f *BookTickerFeed) run(ctx context.Context) {
	delay := time.Second
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return
		}
		f.log.WithError(err).Warnf("bookticker disconnected, reconnecting", map[string]interface{}{
			"delay": delay.String(),
		})
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// session 一次连接的生命周期：拨号、补订阅、读循环
func (f *BookTickerFeed) session(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		f.conn = nil
		f.connMu.Unlock()
		_ = conn.Close()
	}()

	f.log.Infof("bookticker connected", map[string]interface{}{"url": f.url})
	if symbols := f.subscribed(); len(symbols) > 0 {
		if err := f.send("SUBSCRIBE", symbols); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	defer close(done)
	go f.pinger(conn, done)

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))
		f.handle(message)
	}
}

func (f *BookTickerFeed) pinger(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(f.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			f.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteTimeout))
			f.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

type bookTicker struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// handle 兼容单流与组合流（{"stream":..,"data":..}）格式，订阅应答直接忽略
func (f *BookTickerFeed) handle(message []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(message, &env); err == nil && len(env.Data) > 0 {
		message = env.Data
	}
	var t bookTicker
	if err := json.Unmarshal(message, &t); err != nil || t.Symbol == "" {
		return
	}
	bid, err1 := strconv.ParseFloat(t.Bid, 64)
	ask, err2 := strconv.ParseFloat(t.Ask, 64)
	if err1 != nil || err2 != nil {
		f.log.Warnf("malformed bookticker", map[string]interface{}{"symbol": t.Symbol})
		return
	}
	symbol := strings.ToUpper(t.Symbol)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.symbols[symbol]; !ok {
		return
	}
	f.quotes[symbol] = Quote{Bid: bid, Ask: ask, UpdatedAt: f.now()}
}

func (f *BookTickerFeed) subscribed() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.symbols))
	for s := range f.symbols {
		out = append(out, s)
	}
	return out
}

// send 未连接时直接返回，连接建立后会补发订阅
func (f *BookTickerFeed) send(method string, symbols []string) error {
	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()
	if conn == nil {
		return nil
	}
	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		params = append(params, strings.ToLower(s)+"@bookTicker")
	}
	req := map[string]interface{}{
		"method": method,
		"params": params,
		"id":     f.reqID.Add(1),
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return conn.WriteJSON(req)
}
