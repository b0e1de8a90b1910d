// Package router 按 workspace 选择执行端口并管理其生命周期
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/exchange/spotbot/internal/client"
	"github.com/exchange/spotbot/internal/config"
	"github.com/exchange/spotbot/internal/execution"
	"github.com/exchange/spotbot/internal/idempotency"
	"github.com/exchange/spotbot/internal/metrics"
	"github.com/exchange/spotbot/internal/risk"
	commonerrors "github.com/exchange/spotbot/pkg/errors"
	"github.com/exchange/spotbot/pkg/logger"
)

// WorkspaceTracker 持久化依赖，Reset 时关闭
type WorkspaceTracker interface {
	execution.Tracker
	Close() error
}

// TrackerOpener 为 workspace 创建持久化依赖
type TrackerOpener func(ctx context.Context, workspace string) (WorkspaceTracker, error)

// LiveClientFactory 创建交易所客户端
type LiveClientFactory func(cfg config.LiveConfig) (execution.ExchangeClient, error)

// Deps 路由依赖，除 Config 外均可为空
type Deps struct {
	Config        *config.Config
	Quotes        execution.QuoteSource
	Publisher     execution.Publisher
	Metrics       *metrics.Metrics
	Logger        *logger.Logger
	Cache         *idempotency.Cache
	OpenTracker   TrackerOpener
	NewLiveClient LiveClientFactory
	Now           func() time.Time
}

// resetFlushTimeout Reset 时重放待写成交的时限
const resetFlushTimeout = 5 * time.Second

type workspace struct {
	mu      sync.Mutex
	paper   *execution.SimulatedExecutor
	live    *execution.LiveExecutor
	tracker WorkspaceTracker
}

// Router 执行端口注册表，进程启动时创建一次并注入到各处理器
type Router struct {
	deps Deps
	log  *logger.Logger
	now  func() time.Time

	mu         sync.Mutex
	workspaces map[string]*workspace
	policies   map[string]*risk.Policy

	cronMu sync.Mutex
	cron   *cron.Cron

	// draining Reset 时仍有未写库成交的模拟端口，保留 tracker 直到重放完
	drainMu  sync.Mutex
	draining map[string][]*drainingPaper
}

type drainingPaper struct {
	paper   *execution.SimulatedExecutor
	tracker WorkspaceTracker
}

// New 创建路由
func New(deps Deps) *Router {
	if deps.Config == nil {
		deps.Config = &config.Config{DefaultMode: config.ModePaper}
	}
	if deps.NewLiveClient == nil {
		deps.NewLiveClient = defaultLiveClient(deps.Metrics, deps.Logger)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		deps:       deps,
		log:        logger.OrNop(deps.Logger).WithField("component", "router"),
		now:        now,
		workspaces: make(map[string]*workspace),
		policies:   make(map[string]*risk.Policy),
		draining:   make(map[string][]*drainingPaper),
	}
}

func defaultLiveClient(m *metrics.Metrics, log *logger.Logger) LiveClientFactory {
	return func(cfg config.LiveConfig) (execution.ExchangeClient, error) {
		return client.New(client.Config{
			BaseURL:      cfg.BaseURL,
			APIKey:       cfg.APIKey,
			APISecret:    cfg.APISecret,
			RecvWindowMs: cfg.RecvWindowMs,
			Timeout:      cfg.HTTPTimeout,
			MaxAttempts:  cfg.MaxAttempts,
		}, log, m)
	}
}

func (r *Router) workspace(ws string) *workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workspaces[ws]
	if !ok {
		w = &workspace{}
		r.workspaces[ws] = w
	}
	return w
}

// GetPort 返回 workspace 的执行端口。live 构建失败时降级为模拟端口。
func (r *Router) GetPort(ctx context.Context, ws string) (execution.Port, error) {
	w := r.workspace(ws)
	w.mu.Lock()
	defer w.mu.Unlock()

	mode := r.deps.Config.ModeFor(ws)
	if mode == config.ModeLive {
		if w.live != nil {
			return w.live, nil
		}
		live, err := r.buildLive(ws)
		if err == nil {
			w.live = live
			r.log.WithWorkspace(ws).Info("live port ready")
			return live, nil
		}
		r.deps.Metrics.IncLiveFallback(ws)
		r.log.WithWorkspace(ws).WithError(err).Errorf("live port unavailable, falling back to paper", nil)
	}

	if w.paper != nil {
		return w.paper, nil
	}
	tracker, err := r.trackerLocked(ctx, ws, w)
	if err != nil {
		return nil, err
	}
	paperMode := string(mode)
	if mode == config.ModeLive {
		paperMode = string(config.ModePaper)
	}
	paper := execution.NewSimulatedExecutor(execution.PaperConfig{
		Workspace: ws,
		Mode:      paperMode,
		FeeRate:   r.deps.Config.Paper.FeeRate,
		Quotes:    r.deps.Quotes,
		Tracker:   trackerOrNil(tracker),
		Publisher: r.deps.Publisher,
		Recorder:  r.deps.Metrics,
		Logger:    r.deps.Logger,
		Now:       r.now,
	})
	// 旧端口的积压先落库，再从库恢复
	if _, err := r.drain(ctx, ws); err != nil {
		r.log.WithWorkspace(ws).WithError(err).Error("fills from reset port still pending, restoring from stale positions")
	}
	if _, err := paper.Restore(ctx); err != nil {
		r.log.WithWorkspace(ws).WithError(err).Warn("ledger restore failed, starting flat")
	}
	w.paper = paper
	return paper, nil
}

func (r *Router) buildLive(ws string) (*execution.LiveExecutor, error) {
	if err := r.deps.Config.LiveReady(); err != nil {
		return nil, err
	}
	c, err := r.deps.NewLiveClient(r.deps.Config.Live)
	if err != nil {
		return nil, fmt.Errorf("create exchange client: %w", err)
	}
	return execution.NewLiveExecutor(execution.LiveConfig{
		Workspace: ws,
		Client:    c,
		Quotes:    r.deps.Quotes,
		Publisher: r.deps.Publisher,
		Recorder:  r.deps.Metrics,
		Logger:    r.deps.Logger,
		Now:       r.now,
	})
}

// trackerOrNil 避免把 nil 指针包装成非 nil 接口
func trackerOrNil(t WorkspaceTracker) execution.Tracker {
	if t == nil {
		return nil
	}
	return t
}

// GetTracker 懒加载 workspace 的持久化依赖，只创建一次；未配置时返回 nil
func (r *Router) GetTracker(ctx context.Context, ws string) (WorkspaceTracker, error) {
	w := r.workspace(ws)
	w.mu.Lock()
	defer w.mu.Unlock()
	return r.trackerLocked(ctx, ws, w)
}

func (r *Router) trackerLocked(ctx context.Context, ws string, w *workspace) (WorkspaceTracker, error) {
	if w.tracker != nil || r.deps.OpenTracker == nil {
		return w.tracker, nil
	}
	t, err := r.deps.OpenTracker(ctx, ws)
	if err != nil {
		return nil, commonerrors.Wrap(commonerrors.CodeUnavailable, "position tracker unavailable", err)
	}
	w.tracker = t
	return t, nil
}

// Risk 返回 workspace 的风控策略，首次访问时创建
func (r *Router) Risk(ws string) *risk.Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.policies[ws]; ok {
		return p
	}
	rc := r.deps.Config.Risk
	p := risk.NewPolicy(risk.NewState(r.now, rc.ErrorWindow), risk.Limits{
		MaxDailyLossUSD:      rc.MaxDailyLossUSD,
		MaxConsecutiveLosses: rc.MaxConsecutiveLosses,
		CooldownMinutes:      rc.CooldownMinutes,
		MaxTradesPerHour:     rc.MaxTradesPerHour,
		MaxTradesPerMinute:   rc.MaxTradesPerMinute,
		MaxConsecutiveErrors: rc.MaxConsecutiveErrors,
	}, r.log.WithWorkspace(ws))
	r.policies[ws] = p
	return p
}

// UpdateExposure 用端口的持仓刷新风控敞口
func (r *Router) UpdateExposure(ws string, port execution.Port) {
	e, ok := port.(interface{ Exposure() (int, float64) })
	if !ok {
		return
	}
	count, usd := e.Exposure()
	r.Risk(ws).State().SetExposure(count, usd)
}

// Workspaces 已创建端口的 workspace（排序）
func (r *Router) Workspaces() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.workspaces))
	for ws := range r.workspaces {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out
}

// Reset 释放 workspace 的资源；ws 为空时重置全部。清理失败只记录日志。
func (r *Router) Reset(ws string) {
	r.mu.Lock()
	var targets map[string]*workspace
	if ws == "" {
		targets = r.workspaces
		r.workspaces = make(map[string]*workspace)
	} else {
		targets = map[string]*workspace{}
		if w, ok := r.workspaces[ws]; ok {
			targets[ws] = w
			delete(r.workspaces, ws)
		}
	}
	r.mu.Unlock()

	for name, w := range targets {
		r.release(name, w)
	}
}

func (r *Router) release(ws string, w *workspace) {
	w.mu.Lock()
	tracker, paper, live := w.tracker, w.paper, w.live
	w.tracker, w.paper, w.live = nil, nil, nil
	w.mu.Unlock()

	log := r.log.WithWorkspace(ws)
	if paper != nil && paper.PendingWrites() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), resetFlushTimeout)
		_, err := paper.Reconcile(ctx)
		cancel()
		if n := paper.PendingWrites(); n > 0 {
			log.WithError(err).Errorf("pending fills survive reset, kept for reconcile", map[string]interface{}{"pending": n})
			r.drainMu.Lock()
			r.draining[ws] = append(r.draining[ws], &drainingPaper{paper: paper, tracker: tracker})
			r.drainMu.Unlock()
			// tracker 在积压清空后关闭
			tracker = nil
		}
	}
	if tracker != nil {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Errorf("tracker close panicked", map[string]interface{}{"panic": fmt.Sprint(rec)})
				}
			}()
			if err := tracker.Close(); err != nil {
				log.WithError(err).Warn("tracker close failed")
			}
		}()
	}
	if live != nil {
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Errorf("live client close panicked", map[string]interface{}{"panic": fmt.Sprint(rec)})
				}
			}()
			live.Close()
		}()
	}
	log.Info("workspace reset")
}

// DailyReset 检查所有 workspace 的日切
func (r *Router) DailyReset() int {
	r.mu.Lock()
	policies := make(map[string]*risk.Policy, len(r.policies))
	for ws, p := range r.policies {
		policies[ws] = p
	}
	r.mu.Unlock()

	n := 0
	for ws, p := range policies {
		reset, resumed := p.DailyReset()
		if !reset {
			continue
		}
		n++
		if resumed {
			r.deps.Metrics.SetHalted(ws, false)
		}
	}
	return n
}

// Reconcile 重放各 workspace 写库失败的成交
func (r *Router) Reconcile(ctx context.Context) (int, error) {
	r.mu.Lock()
	papers := make(map[string]*execution.SimulatedExecutor)
	for ws, w := range r.workspaces {
		w.mu.Lock()
		if w.paper != nil {
			papers[ws] = w.paper
		}
		w.mu.Unlock()
	}
	r.mu.Unlock()

	var (
		total int
		errs  []error
	)
	for ws, p := range papers {
		n, err := p.Reconcile(ctx)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ws, err))
		}
	}
	r.drainMu.Lock()
	drainingWS := make([]string, 0, len(r.draining))
	for ws := range r.draining {
		drainingWS = append(drainingWS, ws)
	}
	r.drainMu.Unlock()
	for _, ws := range drainingWS {
		n, err := r.drain(ctx, ws)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s (reset): %w", ws, err))
		}
	}
	return total, errors.Join(errs...)
}

// drain 重放 Reset 留下的积压，清空后关闭其 tracker
func (r *Router) drain(ctx context.Context, ws string) (int, error) {
	r.drainMu.Lock()
	list := append([]*drainingPaper(nil), r.draining[ws]...)
	r.drainMu.Unlock()
	if len(list) == 0 {
		return 0, nil
	}

	var (
		total int
		errs  []error
		done  = make(map[*drainingPaper]bool)
	)
	for _, d := range list {
		n, err := d.paper.Reconcile(ctx)
		total += n
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if d.paper.PendingWrites() == 0 {
			done[d] = true
		}
	}

	r.drainMu.Lock()
	kept := r.draining[ws][:0]
	for _, d := range r.draining[ws] {
		if !done[d] {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		delete(r.draining, ws)
	} else {
		r.draining[ws] = kept
	}
	r.drainMu.Unlock()

	for d := range done {
		if d.tracker != nil {
			if err := d.tracker.Close(); err != nil {
				r.log.WithWorkspace(ws).WithError(err).Warn("tracker close failed")
			}
		}
	}
	return total, errors.Join(errs...)
}

// PendingWrites 所有 workspace 待重放的成交条数，含 Reset 留下的积压
func (r *Router) PendingWrites() int {
	r.mu.Lock()
	n := 0
	for _, w := range r.workspaces {
		w.mu.Lock()
		if w.paper != nil {
			n += w.paper.PendingWrites()
		}
		w.mu.Unlock()
	}
	r.mu.Unlock()

	r.drainMu.Lock()
	defer r.drainMu.Unlock()
	for _, list := range r.draining {
		for _, d := range list {
			n += d.paper.PendingWrites()
		}
	}
	return n
}

// Start 启动定时任务与幂等缓存清理
func (r *Router) Start(ctx context.Context) error {
	r.cronMu.Lock()
	defer r.cronMu.Unlock()
	if r.cron != nil {
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	resetSchedule, err := parser.Parse(r.deps.Config.DailyResetCron)
	if err != nil {
		return fmt.Errorf("invalid daily reset cron: %w", err)
	}
	reconcileSchedule, err := parser.Parse(r.deps.Config.ReconcileCron)
	if err != nil {
		return fmt.Errorf("invalid reconcile cron: %w", err)
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(resetSchedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if n := r.DailyReset(); n > 0 {
			r.log.Infof("daily reset applied", map[string]interface{}{"workspaces": n})
		}
		r.deps.Metrics.IncJobRun("daily_reset", nil)
	}))
	c.Schedule(reconcileSchedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		n, err := r.Reconcile(ctx)
		if err != nil {
			r.log.WithError(err).Warnf("reconcile incomplete", map[string]interface{}{"written": n})
		}
		r.deps.Metrics.IncJobRun("reconcile", err)
	}))
	c.Start()
	r.cron = c

	if r.deps.Cache != nil {
		r.deps.Cache.Start(ctx)
	}
	return nil
}

// Stop 停止定时任务并等待正在运行的任务结束
func (r *Router) Stop() {
	r.cronMu.Lock()
	c := r.cron
	r.cron = nil
	r.cronMu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if r.deps.Cache != nil {
		r.deps.Cache.Stop()
	}
}
