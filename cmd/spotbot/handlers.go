package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/exchange/spotbot/internal/execution"
	"github.com/exchange/spotbot/internal/idempotency"
	"github.com/exchange/spotbot/internal/metrics"
	"github.com/exchange/spotbot/internal/risk"
	"github.com/exchange/spotbot/internal/router"
	commonerrors "github.com/exchange/spotbot/pkg/errors"
	"github.com/exchange/spotbot/pkg/health"
	"github.com/exchange/spotbot/pkg/logger"
	"github.com/exchange/spotbot/pkg/response"
	"github.com/exchange/spotbot/pkg/tracing"
	"github.com/exchange/spotbot/pkg/validate"
)

const (
	idempotencyHeader = "Idempotency-Key"
	maxBodyBytes      = 1 << 20

	nsOrder       = "order"
	nsFlatten     = "flatten"
	nsCancel      = "cancel"
	nsTradeResult = "trade_result"
)

// RiskPublisher 风控事件推送
type RiskPublisher interface {
	PublishRisk(ctx context.Context, workspace, event string, data any) error
}

type server struct {
	router  *router.Router
	idem    *idempotency.Interceptor
	events  RiskPublisher
	metrics *metrics.Metrics
	health  *health.Health
	log     *logger.Logger
}

// routes 注册所有 HTTP 路由
func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	// 下单
	mux.HandleFunc("/v1/order", s.only(http.MethodPost, s.handlePlaceOrder))
	// 平仓
	mux.HandleFunc("/v1/flatten", s.only(http.MethodPost, s.handleFlatten))
	// 撤销挂单
	mux.HandleFunc("/v1/orders", s.only(http.MethodDelete, s.handleCancelOrders))
	// 持仓
	mux.HandleFunc("/v1/position", s.only(http.MethodGet, s.handleGetPosition))

	// 风控
	mux.HandleFunc("/v1/trade-result", s.only(http.MethodPost, s.handleTradeResult))
	mux.HandleFunc("/v1/risk", s.only(http.MethodGet, s.handleRiskSnapshot))
	mux.HandleFunc("/v1/risk/halt", s.only(http.MethodPost, s.handleHalt))
	mux.HandleFunc("/v1/risk/resume", s.only(http.MethodPost, s.handleResume))

	// 管理
	mux.HandleFunc("/v1/idempotency/clear", s.only(http.MethodPost, s.handleClearIdempotency))
	mux.HandleFunc("/v1/admin/reset", s.only(http.MethodPost, s.handleReset))

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	if s.health != nil {
		mux.HandleFunc("/health/live", s.health.LiveHandler())
		mux.HandleFunc("/health/ready", s.health.ReadyHandler())
	}

	var h http.Handler = mux
	h = tracing.HTTPMiddleware(h)
	h = response.RecoveryMiddleware(s.log)(h)
	h = response.RequestIDMiddleware(h)
	return h
}

func (s *server) only(method string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			response.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"code":    "METHOD_NOT_ALLOWED",
				"message": "method not allowed",
			})
			return
		}
		fn(w, r)
	}
}

type orderRequest struct {
	Workspace string  `json:"workspace"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Price     float64 `json:"price"`
	Qty       float64 `json:"qty"`
	Tag       string  `json:"tag,omitempty"`
}

type orderResponse struct {
	OrderID   string             `json:"orderId"`
	Persisted bool               `json:"persisted"`
	Position  execution.Position `json:"position"`
}

func (s *server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := decodeBody(r, &req); err != nil {
		response.WriteError(w, r, err)
		return
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	err := validate.New().
		Workspace("workspace", req.Workspace).
		Symbol("symbol", req.Symbol).
		Side("side", req.Side).
		Quantity("qty", req.Qty).
		PriceIfSet("price", req.Price).
		Err()
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	side, _ := execution.ParseSide(req.Side)

	key := s.key(r, nsOrder, req.Workspace)
	res, err := s.idem.Do(r.Context(), key, req, func(ctx context.Context) (any, error) {
		policy := s.router.Risk(req.Workspace)
		if err := policy.Check(req.Symbol); err != nil {
			s.metrics.IncRiskRejected(req.Workspace, string(commonerrors.CodeOf(err)))
			return nil, err
		}
		port, err := s.router.GetPort(ctx, req.Workspace)
		if err != nil {
			return nil, err
		}
		if err := port.StartSymbol(ctx, req.Symbol); err != nil {
			s.log.WithWorkspace(req.Workspace).WithError(err).Warn("start symbol failed")
		}

		orderID, err := port.PlaceMaker(ctx, req.Symbol, side, req.Price, req.Qty, req.Tag)
		persisted := true
		if err != nil {
			if !errors.Is(err, execution.ErrPersistence) || orderID == "" {
				s.trackError(ctx, req.Workspace, err)
				return nil, err
			}
			// 成交已生效，写库等待对账重放
			persisted = false
			s.trackError(ctx, req.Workspace, err)
		}
		policy.State().RecordTrade()
		s.router.UpdateExposure(req.Workspace, port)

		pos, err := port.GetPosition(ctx, req.Symbol)
		if err != nil {
			s.log.WithWorkspace(req.Workspace).WithError(err).Warn("position snapshot failed")
		}
		return orderResponse{OrderID: orderID, Persisted: persisted, Position: pos}, nil
	})
	s.write(w, r, res, err)
}

type symbolRequest struct {
	Workspace string `json:"workspace"`
	Symbol    string `json:"symbol"`
}

func (r *symbolRequest) validate() error {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	return validate.New().Workspace("workspace", r.Workspace).Symbol("symbol", r.Symbol).Err()
}

func (s *server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	var req symbolRequest
	if err := decodeBody(r, &req); err != nil {
		response.WriteError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		response.WriteError(w, r, err)
		return
	}

	res, err := s.idem.Do(r.Context(), s.key(r, nsFlatten, req.Workspace), req, func(ctx context.Context) (any, error) {
		port, err := s.router.GetPort(ctx, req.Workspace)
		if err != nil {
			return nil, err
		}
		persisted := true
		if err := port.FlattenSymbol(ctx, req.Symbol); err != nil {
			s.trackError(ctx, req.Workspace, err)
			if !errors.Is(err, execution.ErrPersistence) {
				return nil, err
			}
			persisted = false
		}
		s.router.UpdateExposure(req.Workspace, port)
		pos, _ := port.GetPosition(ctx, req.Symbol)
		return map[string]any{"position": pos, "persisted": persisted}, nil
	})
	s.write(w, r, res, err)
}

func (s *server) handleCancelOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := symbolRequest{Workspace: q.Get("workspace"), Symbol: q.Get("symbol")}
	if err := req.validate(); err != nil {
		response.WriteError(w, r, err)
		return
	}

	res, err := s.idem.Do(r.Context(), s.key(r, nsCancel, req.Workspace), req, func(ctx context.Context) (any, error) {
		port, err := s.router.GetPort(ctx, req.Workspace)
		if err != nil {
			return nil, err
		}
		if err := port.CancelOrders(ctx, req.Symbol); err != nil {
			s.trackError(ctx, req.Workspace, err)
			return nil, err
		}
		return map[string]any{"symbol": req.Symbol, "cancelled": true}, nil
	})
	s.write(w, r, res, err)
}

func (s *server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := symbolRequest{Workspace: q.Get("workspace"), Symbol: q.Get("symbol")}
	if err := req.validate(); err != nil {
		response.WriteError(w, r, err)
		return
	}
	port, err := s.router.GetPort(r.Context(), req.Workspace)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	pos, err := port.GetPosition(r.Context(), req.Symbol)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, pos)
}

type tradeResultRequest struct {
	Workspace string  `json:"workspace"`
	Symbol    string  `json:"symbol"`
	PnL       float64 `json:"pnl"`
}

func (s *server) handleTradeResult(w http.ResponseWriter, r *http.Request) {
	var req tradeResultRequest
	if err := decodeBody(r, &req); err != nil {
		response.WriteError(w, r, err)
		return
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := validate.New().Workspace("workspace", req.Workspace).Symbol("symbol", req.Symbol).Err(); err != nil {
		response.WriteError(w, r, err)
		return
	}

	res, err := s.idem.Do(r.Context(), s.key(r, nsTradeResult, req.Workspace), req, func(ctx context.Context) (any, error) {
		out := s.router.Risk(req.Workspace).Apply(req.Symbol, req.PnL)
		if out.Halted {
			s.halted(ctx, req.Workspace)
		}
		return out, nil
	})
	s.write(w, r, res, err)
}

func (s *server) handleRiskSnapshot(w http.ResponseWriter, r *http.Request) {
	ws := r.URL.Query().Get("workspace")
	if err := validate.Workspace(ws); err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, s.router.Risk(ws).State().Snapshot())
}

type haltRequest struct {
	Workspace string `json:"workspace"`
	Reason    string `json:"reason,omitempty"`
}

func (s *server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if err := decodeBody(r, &req); err != nil {
		response.WriteError(w, r, err)
		return
	}
	if err := validate.Workspace(req.Workspace); err != nil {
		response.WriteError(w, r, err)
		return
	}
	if req.Reason == "" {
		req.Reason = risk.ReasonManual
	}
	state := s.router.Risk(req.Workspace).State()
	if state.Halt(req.Reason) {
		s.halted(r.Context(), req.Workspace)
	}
	response.WriteJSON(w, http.StatusOK, state.Snapshot())
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if err := decodeBody(r, &req); err != nil {
		response.WriteError(w, r, err)
		return
	}
	if err := validate.Workspace(req.Workspace); err != nil {
		response.WriteError(w, r, err)
		return
	}
	state := s.router.Risk(req.Workspace).State()
	state.Resume()
	s.metrics.SetHalted(req.Workspace, false)
	s.publishRisk(r.Context(), req.Workspace, "resumed", state.Snapshot())
	s.log.WithWorkspace(req.Workspace).Info("trading resumed")
	response.WriteJSON(w, http.StatusOK, state.Snapshot())
}

type clearRequest struct {
	Namespace string `json:"namespace,omitempty"`
	Token     string `json:"token,omitempty"`
	Workspace string `json:"workspace,omitempty"`
}

func (s *server) handleClearIdempotency(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := decodeBody(r, &req); err != nil {
		response.WriteError(w, r, err)
		return
	}
	n, err := s.idem.Store().Clear(r.Context(), idempotency.Scope{
		Namespace: req.Namespace,
		Token:     req.Token,
		Workspace: req.Workspace,
	})
	if err != nil {
		response.WriteError(w, r, commonerrors.Wrap(commonerrors.CodeUnavailable, "idempotency store unavailable", err))
		return
	}
	s.log.Infof("idempotency cache cleared", map[string]interface{}{
		"token":     req.Token,
		"workspace": req.Workspace,
		"removed":   n,
	})
	response.WriteJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Workspace string `json:"workspace,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		response.WriteError(w, r, err)
		return
	}
	if req.Workspace != "" {
		if err := validate.Workspace(req.Workspace); err != nil {
			response.WriteError(w, r, err)
			return
		}
	}
	s.router.Reset(req.Workspace)
	scope := req.Workspace
	if scope == "" {
		scope = "all"
	}
	response.WriteJSON(w, http.StatusOK, map[string]string{"reset": scope})
}

// key 从请求头读取幂等 token，为空时拦截器直接执行
func (s *server) key(r *http.Request, namespace, workspace string) idempotency.Key {
	return idempotency.Key{
		Namespace: namespace,
		Token:     strings.TrimSpace(r.Header.Get(idempotencyHeader)),
		Workspace: workspace,
	}
}

func (s *server) write(w http.ResponseWriter, r *http.Request, res *idempotency.Result, err error) {
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.WithContext(r.Context()).WithError(err).Warnf("request failed", map[string]interface{}{
				"path": r.URL.Path,
				"code": string(commonerrors.CodeOf(err)),
			})
		}
		response.WriteError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, res)
}

// trackError 只统计系统类错误，校验与风控拒绝不计入
func (s *server) trackError(ctx context.Context, ws string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	switch commonerrors.CodeOf(err) {
	case commonerrors.CodeProviderUnavailable, commonerrors.CodePersistenceFailure,
		commonerrors.CodeUnavailable, commonerrors.CodeInternal:
	default:
		return
	}
	if s.router.Risk(ws).ApplyError() {
		s.halted(ctx, ws)
	}
}

func (s *server) halted(ctx context.Context, ws string) {
	snap := s.router.Risk(ws).State().Snapshot()
	s.metrics.SetHalted(ws, true)
	s.publishRisk(ctx, ws, "halted", snap)
}

func (s *server) publishRisk(ctx context.Context, ws, event string, snap risk.Snapshot) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishRisk(ctx, ws, event, snap); err != nil {
		s.log.WithWorkspace(ws).WithError(err).Warnf("publish risk event failed", map[string]interface{}{"event": event})
	}
}

// decodeBody 空请求体视为 {}
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return commonerrors.Wrap(commonerrors.CodeInvalidParam, "invalid JSON body", err)
	}
	return nil
}
