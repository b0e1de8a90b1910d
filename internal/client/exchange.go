// Package client 交易所私有 REST 客户端（签名 + 有限重试）
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	commonerrors "github.com/exchange/spotbot/pkg/errors"
	"github.com/exchange/spotbot/pkg/logger"
	"github.com/exchange/spotbot/pkg/signature"
	"github.com/exchange/spotbot/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultAttempts    = 3
	defaultRecvWindow  = 5000
	maxErrorBodyBytes  = 64 << 10
	maxBodyBytes       = 8 << 20
	apiKeyHeader       = "X-MBX-APIKEY"
	httpBackoffBase    = 400 * time.Millisecond
	networkBackoffBase = 300 * time.Millisecond
)

// Config 客户端配置
type Config struct {
	BaseURL      string
	APIKey       string
	APISecret    string
	RecvWindowMs int64
	Timeout      time.Duration
	MaxAttempts  int
}

// Observer receives per-attempt telemetry; implemented by the metrics package.
type Observer interface {
	ObserveProviderCall(endpoint string, status int, d time.Duration)
	IncProviderRetry(endpoint string)
}

// ErrMalformedResponse 2xx 响应体不是完整的 JSON，不能当作空结果
var ErrMalformedResponse = errors.New("malformed exchange response")

// Failure 交易所返回的结构化失败（数据，不是 error）
type Failure struct {
	Status    int             `json:"status"`
	Code      int             `json:"code,omitempty"`
	Message   string          `json:"msg,omitempty"`
	Transient bool            `json:"transient"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response 一次调用的结果
type Response struct {
	Status   int
	Payload  json.RawMessage
	Failure  *Failure
	Attempts int
}

// OK 是否成功
func (r *Response) OK() bool {
	return r != nil && r.Failure == nil
}

// Err 把失败转换成业务错误，成功时返回 nil
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	if r.Failure.Transient {
		return commonerrors.Newf(commonerrors.CodeProviderUnavailable, "exchange unavailable: HTTP %d", r.Failure.Status)
	}
	msg := r.Failure.Message
	if msg == "" {
		msg = http.StatusText(r.Failure.Status)
	}
	return commonerrors.Newf(commonerrors.CodeProviderRejected, "exchange rejected request: HTTP %d (%d) %s", r.Failure.Status, r.Failure.Code, msg)
}

// Client 私有 API 客户端
type Client struct {
	baseURL    string
	apiKey     string
	recvWindow int64
	attempts   int
	signer     *signature.Signer
	httpClient *http.Client
	log        *logger.Logger
	observer   Observer

	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
	httpBackoff    time.Duration
	networkBackoff time.Duration
}

// New 创建客户端；缺少凭证或地址无效时返回错误
func New(cfg Config, log *logger.Logger, observer Observer) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, errors.New("api key and secret are required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultAttempts
	}
	if cfg.RecvWindowMs <= 0 {
		cfg.RecvWindowMs = defaultRecvWindow
	}

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		recvWindow:     cfg.RecvWindowMs,
		attempts:       cfg.MaxAttempts,
		signer:         signature.NewSigner(cfg.APISecret),
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		log:            logger.OrNop(log),
		observer:       observer,
		now:            time.Now,
		sleep:          sleepCtx,
		httpBackoff:    httpBackoffBase,
		networkBackoff: networkBackoffBase,
	}, nil
}

// OrderRequest 下单参数
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	Quantity      float64
	Price         float64
	TimeInForce   string
	ClientOrderID string
}

// PlaceOrder POST /order
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*Response, error) {
	orderType := strings.ToUpper(req.Type)
	if req.Quantity <= 0 {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidQuantity, "quantity must be > 0, got %v", req.Quantity)
	}
	if (orderType == "LIMIT" || orderType == "LIMIT_MAKER") && req.Price <= 0 {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidPrice, "%s order requires a price", orderType)
	}

	p := &signature.Params{}
	p.Add("symbol", req.Symbol).
		Add("side", strings.ToUpper(req.Side)).
		Add("type", orderType).
		Add("quantity", FormatNumber(req.Quantity))
	if req.Price > 0 && orderType != "MARKET" {
		p.Add("price", FormatNumber(req.Price))
	}
	if orderType == "LIMIT" {
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		p.Add("timeInForce", tif)
	}
	if req.ClientOrderID != "" {
		p.Add("newClientOrderId", req.ClientOrderID)
	}
	p.Add("newOrderRespType", "FULL")
	return c.do(ctx, http.MethodPost, "/order", p)
}

// CancelOrder DELETE /order，orderID 与 origClientOrderID 至少提供一个
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID, origClientOrderID string) (*Response, error) {
	if orderID == "" && origClientOrderID == "" {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "orderId or origClientOrderId is required")
	}
	p := &signature.Params{}
	p.Add("symbol", symbol)
	if orderID != "" {
		p.Add("orderId", orderID)
	} else {
		p.Add("origClientOrderId", origClientOrderID)
	}
	return c.do(ctx, http.MethodDelete, "/order", p)
}

// OpenOrders GET /openOrders，symbol 为空时返回全部
func (c *Client) OpenOrders(ctx context.Context, symbol string) (*Response, error) {
	p := &signature.Params{}
	if symbol != "" {
		p.Add("symbol", symbol)
	}
	return c.do(ctx, http.MethodGet, "/openOrders", p)
}

// Account GET /account
func (c *Client) Account(ctx context.Context) (*Response, error) {
	return c.do(ctx, http.MethodGet, "/account", &signature.Params{})
}

// Close 释放空闲连接
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// do 签名并发送，可重试状态码按 0.4s×attempt 退避，网络错误按 0.3s×attempt 退避
func (c *Client) do(ctx context.Context, method, path string, params *signature.Params) (*Response, error) {
	endpoint := method + " " + path
	ctx, span := tracing.StartSpan(ctx, "client."+endpoint)
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 && c.observer != nil {
			c.observer.IncProviderRetry(endpoint)
		}

		start := c.now()
		status, body, err := c.send(ctx, method, path, params)
		if c.observer != nil {
			c.observer.ObserveProviderCall(endpoint, status, c.now().Sub(start))
		}

		if err != nil {
			if ctx.Err() != nil {
				tracing.SetError(ctx, ctx.Err())
				return nil, ctx.Err()
			}
			lastErr = err
			c.log.WithError(err).Warnf("exchange request failed", map[string]interface{}{
				"endpoint": endpoint,
				"attempt":  attempt,
			})
			if attempt < c.attempts {
				if err := c.sleep(ctx, c.networkBackoff*time.Duration(attempt)); err != nil {
					return nil, err
				}
			}
			continue
		}

		if status >= 200 && status < 300 {
			tracing.SetAttributes(ctx, attribute.Int("http.status_code", status), attribute.Int("attempts", attempt))
			payload, err := successPayload(body)
			if err != nil {
				// 请求可能已生效，不重试
				c.log.WithError(err).Errorf("exchange success body unusable", map[string]interface{}{
					"endpoint": endpoint,
					"bytes":    len(body),
				})
				tracing.SetError(ctx, err)
				return nil, fmt.Errorf("%s: %w", endpoint, err)
			}
			return &Response{Status: status, Payload: payload, Attempts: attempt}, nil
		}

		failure := parseFailure(status, body)
		if failure.Transient && attempt < c.attempts {
			c.log.Warnf("exchange transient status, retrying", map[string]interface{}{
				"endpoint": endpoint,
				"status":   status,
				"attempt":  attempt,
			})
			if err := c.sleep(ctx, c.httpBackoff*time.Duration(attempt)); err != nil {
				return nil, err
			}
			continue
		}
		resp := &Response{Status: status, Payload: failure.Payload, Failure: failure, Attempts: attempt}
		tracing.SetError(ctx, resp.Err())
		return resp, nil
	}

	tracing.SetError(ctx, lastErr)
	return nil, fmt.Errorf("%s after %d attempts: %w", endpoint, c.attempts, lastErr)
}

func (c *Client) send(ctx context.Context, method, path string, params *signature.Params) (int, []byte, error) {
	// 每次尝试使用新的时间戳重新签名
	signed := params.Clone()
	signed.Add("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10)).
		Add("recvWindow", strconv.FormatInt(c.recvWindow, 10))
	query := c.signer.SignedQuery(signed)

	var (
		req *http.Request
		err error
	)
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewBufferString(query))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	}
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	tracing.InjectHTTP(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	// 错误体只保留前 64KB；成功体多读一个字节用于判断超限
	limit := int64(maxErrorBodyBytes)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		limit = maxBodyBytes + 1
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func isTransientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func parseFailure(status int, body []byte) *Failure {
	f := &Failure{Status: status, Transient: isTransientStatus(status), Payload: asJSON(body)}
	if f.Payload != nil {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(f.Payload, &apiErr) == nil {
			f.Code = apiErr.Code
			f.Message = apiErr.Msg
		}
	} else if len(body) > 0 {
		f.Message = strings.TrimSpace(string(body))
	}
	return f
}

func successPayload(body []byte) (json.RawMessage, error) {
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedResponse, maxBodyBytes)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedResponse)
	}
	return json.RawMessage(body), nil
}

func asJSON(body []byte) json.RawMessage {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || !json.Valid(body) {
		return nil
	}
	return json.RawMessage(body)
}

// FormatNumber 不使用科学计数法
func FormatNumber(f float64) string {
	return decimal.NewFromFloat(f).String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
