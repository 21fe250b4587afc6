package healthcheck

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/fleet-registry/internal/core/config"
	"github.com/hewenyu/fleet-registry/internal/core/model"
	"github.com/hewenyu/fleet-registry/internal/registry"
	"github.com/hewenyu/fleet-registry/internal/store/catalog"
)

// Engine 健康检查引擎
// 每个活动检查拥有独立的调度协程，单个目标的缓慢或失败不会拖延其他检查；
// 引擎按同步间隔对照目录做调度对账：新检查启动、已删除检查停止
type Engine struct {
	reg          *registry.Registry
	logger       config.Logger
	syncInterval time.Duration

	schedulers map[string]*scheduler
	mu         sync.Mutex
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// scheduler 是单个检查的调度槽
type scheduler struct {
	check  *model.HealthCheck
	cancel context.CancelFunc
}

// NewEngine 创建健康检查引擎
func NewEngine(reg *registry.Registry, logger config.Logger, syncInterval time.Duration) *Engine {
	return &Engine{
		reg:          reg,
		logger:       logger,
		syncInterval: syncInterval,
		schedulers:   make(map[string]*scheduler),
	}
}

// Start 启动引擎的调度对账循环
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	// 启动时立即对账一次，避免等待首个同步tick
	e.reconcile(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.syncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.reconcile(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop 停止引擎，取消所有在调度的检查
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}

	e.mu.Lock()
	for id, s := range e.schedulers {
		s.cancel()
		delete(e.schedulers, id)
	}
	e.mu.Unlock()

	e.wg.Wait()
}

// reconcile 对照目录调整调度槽：新增检查启动，消失的检查取消
func (e *Engine) reconcile(ctx context.Context) {
	checks, err := e.reg.Store().ListChecks(ctx)
	if err != nil {
		e.logger.Error("对账读取检查列表失败", zap.Error(err))
		return
	}

	current := make(map[string]*model.HealthCheck, len(checks))
	for _, check := range checks {
		current[check.ID] = check
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// 停止已删除或定义变化的检查
	for id, s := range e.schedulers {
		check, exists := current[id]
		if exists && s.check.Interval == check.Interval &&
			s.check.Timeout == check.Timeout && s.check.Target == check.Target {
			continue
		}
		s.cancel()
		delete(e.schedulers, id)
	}

	// 启动新检查
	for id, check := range current {
		if _, exists := e.schedulers[id]; exists {
			continue
		}

		checkCtx, cancel := context.WithCancel(ctx)
		e.schedulers[id] = &scheduler{check: check, cancel: cancel}

		e.wg.Add(1)
		go e.runCheck(checkCtx, check)

		e.logger.Debug("启动检查调度",
			zap.String("check_id", check.ID),
			zap.String("instance_id", check.InstanceID),
			zap.String("type", string(check.Type)),
			zap.Duration("interval", check.Interval))
	}
}

// runCheck 单个检查的调度循环，独立于其他检查运行
func (e *Engine) runCheck(ctx context.Context, check *model.HealthCheck) {
	defer e.wg.Done()

	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.probeOnce(ctx, check)
		case <-ctx.Done():
			return
		}
	}
}

// probeOnce 执行一次探测并将结果写回注册中心
func (e *Engine) probeOnce(ctx context.Context, check *model.HealthCheck) {
	result := ExecuteProbe(ctx, check)

	if result.Outcome == model.ProbeError {
		e.logger.Warn("探测无法执行",
			zap.String("check_id", check.ID),
			zap.String("instance_id", check.InstanceID),
			zap.String("detail", result.Detail))
	}

	if _, err := e.reg.UpdateHealth(ctx, check.ID, result); err != nil {
		// 实例在探测途中被注销，结果作废
		if catalog.IsNotFound(err) {
			e.logger.Debug("丢弃已注销实例的探测结果",
				zap.String("check_id", check.ID),
				zap.String("instance_id", check.InstanceID))
			return
		}
		e.logger.Error("写回探测结果失败",
			zap.String("check_id", check.ID),
			zap.Error(err))
	}
}

// ActiveCheckCount 返回当前在调度的检查数，用于观测和测试
func (e *Engine) ActiveCheckCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.schedulers)
}
