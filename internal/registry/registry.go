package registry

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/fleet-registry/internal/core/config"
	"github.com/hewenyu/fleet-registry/internal/core/model"
	"github.com/hewenyu/fleet-registry/internal/store/catalog"
)

// 实例元数据中声明探测目标的键
const (
	MetaCheckHTTP     = "check.http"
	MetaCheckTCP      = "check.tcp"
	MetaCheckScript   = "check.script"
	MetaCheckInterval = "check.interval"
	MetaCheckTimeout  = "check.timeout"
)

// CheckDefaults 表示注册时派生健康检查所用的默认参数
type CheckDefaults struct {
	Interval         time.Duration
	Timeout          time.Duration
	SuccessThreshold int
	FailureThreshold int
}

// Registry 拥有实例生命周期的唯一写入权：注册、续约、注销、健康更新
// 所有目录写入都经由这里，发现和监控组件只读
type Registry struct {
	store         catalog.Store
	bus           *EventBus
	logger        config.Logger
	defaultTTL    time.Duration
	checkDefaults CheckDefaults

	// 同一检查的探测结果必须串行应用，保证状态迁移严格有序
	checkMu   map[string]*sync.Mutex
	checkMuMu sync.Mutex
}

// New 创建一个新的注册中心
func New(store catalog.Store, bus *EventBus, logger config.Logger, defaultTTL time.Duration, checkDefaults CheckDefaults) *Registry {
	return &Registry{
		store:         store,
		bus:           bus,
		logger:        logger,
		defaultTTL:    defaultTTL,
		checkDefaults: checkDefaults,
		checkMu:       make(map[string]*sync.Mutex),
	}
}

// Register 注册服务实例，幂等地以(serviceName, id)为键进行upsert
// 地址或TTL非法时返回参数无效错误；探测目标从元数据派生
func (r *Registry) Register(ctx context.Context, req *model.RegistrationRequest) (*model.ServiceInstance, error) {
	if req.ServiceName == "" {
		return nil, catalog.NewInvalidArgumentError("服务名不能为空")
	}
	if req.Host == "" || strings.ContainsAny(req.Host, " /") {
		return nil, catalog.NewInvalidArgumentError("实例地址无效: " + req.Host)
	}
	if ip := net.ParseIP(req.Host); ip == nil {
		// 非IP时要求是合法主机名
		if strings.Contains(req.Host, ":") {
			return nil, catalog.NewInvalidArgumentError("实例地址无效: " + req.Host)
		}
	}
	if req.Port <= 0 || req.Port > 65535 {
		return nil, catalog.NewInvalidArgumentError(fmt.Sprintf("实例端口无效: %d", req.Port))
	}

	// 解析TTL
	ttl := r.defaultTTL
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil {
			return nil, catalog.NewInvalidArgumentError("解析TTL失败: " + err.Error())
		}
		ttl = parsed
	}
	if ttl <= 0 {
		return nil, catalog.NewInvalidArgumentError(fmt.Sprintf("TTL必须大于0: %v", ttl))
	}

	now := time.Now()
	instance := &model.ServiceInstance{
		ID:            req.ID,
		ServiceName:   req.ServiceName,
		Host:          req.Host,
		Port:          req.Port,
		Tags:          req.Tags,
		Metadata:      req.Metadata,
		Health:        model.HealthStateUnknown,
		RegisteredAt:  now,
		LastRenewedAt: now,
		TTL:           ttl,
	}
	if instance.ID == "" {
		instance.ID = uuid.New().String()
	}

	// 重复注册保持首次注册时间和当前健康状态
	// 实例ID在服务内唯一，跨服务复用已有ID会悄悄顶掉别人的实例，必须拒绝
	existing, err := r.store.GetInstance(ctx, instance.ID)
	if err == nil {
		if existing.ServiceName != instance.ServiceName {
			return nil, catalog.NewInvalidArgumentError(fmt.Sprintf(
				"实例ID %s 已被服务 %s 占用", instance.ID, existing.ServiceName))
		}
		instance.RegisteredAt = existing.RegisteredAt
		instance.Health = existing.Health
	} else if !catalog.IsNotFound(err) {
		return nil, err
	}

	if err := r.store.PutInstance(ctx, instance); err != nil {
		return nil, err
	}

	if err := r.reconcileChecks(ctx, instance); err != nil {
		return nil, err
	}

	r.logger.Info("服务实例已注册",
		zap.String("service", instance.ServiceName),
		zap.String("instance_id", instance.ID),
		zap.String("address", instance.Address()),
		zap.Duration("ttl", instance.TTL))

	return instance, nil
}

// reconcileChecks 将存储中的检查记录对齐到当前元数据派生的检查集合
// 同类型的已有检查原地更新探测参数，保留去抖状态；
// 元数据中撤掉的检查删除，新增的检查以unknown状态创建
func (r *Registry) reconcileChecks(ctx context.Context, instance *model.ServiceInstance) error {
	existing, err := r.store.ListChecksByInstance(ctx, instance.ID)
	if err != nil {
		return err
	}

	byType := make(map[model.CheckType]*model.HealthCheck, len(existing))
	for _, check := range existing {
		byType[check.Type] = check
	}

	changed := false
	for _, want := range r.buildChecks(instance) {
		current, ok := byType[want.Type]
		if !ok {
			if err := r.store.PutCheck(ctx, want); err != nil {
				return err
			}
			changed = true
			continue
		}
		delete(byType, want.Type)

		if current.Target == want.Target &&
			current.Interval == want.Interval && current.Timeout == want.Timeout {
			continue
		}
		current.Target = want.Target
		current.Interval = want.Interval
		current.Timeout = want.Timeout
		if err := r.store.PutCheck(ctx, current); err != nil {
			return err
		}
	}

	// 剩下的是元数据中已不存在的检查
	for _, stale := range byType {
		if err := r.store.DeleteCheck(ctx, stale.ID); err != nil && !catalog.IsNotFound(err) {
			return err
		}
		r.releaseCheckLocks(stale.ID)
		changed = true
	}

	// 检查集合发生增删时按最新集合刷新实例健康
	if changed {
		current, err := r.store.ListChecksByInstance(ctx, instance.ID)
		if err != nil {
			return err
		}
		instance.Health = model.AggregateHealth(current)
		return r.store.PutInstance(ctx, instance)
	}
	return nil
}

// buildChecks 根据实例元数据派生健康检查记录
func (r *Registry) buildChecks(instance *model.ServiceInstance) []*model.HealthCheck {
	interval := r.checkDefaults.Interval
	timeout := r.checkDefaults.Timeout
	if raw, ok := instance.Metadata[MetaCheckInterval]; ok {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			interval = parsed
		}
	}
	if raw, ok := instance.Metadata[MetaCheckTimeout]; ok {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			timeout = parsed
		}
	}

	targets := []struct {
		checkType model.CheckType
		metaKey   string
	}{
		{model.CheckTypeHTTP, MetaCheckHTTP},
		{model.CheckTypeTCP, MetaCheckTCP},
		{model.CheckTypeScript, MetaCheckScript},
	}

	var checks []*model.HealthCheck
	for _, t := range targets {
		target, ok := instance.Metadata[t.metaKey]
		if !ok || target == "" {
			continue
		}
		checks = append(checks, &model.HealthCheck{
			ID:               uuid.New().String(),
			InstanceID:       instance.ID,
			ServiceName:      instance.ServiceName,
			Type:             t.checkType,
			Target:           target,
			Interval:         interval,
			Timeout:          timeout,
			SuccessThreshold: r.checkDefaults.SuccessThreshold,
			FailureThreshold: r.checkDefaults.FailureThreshold,
			State:            model.HealthStateUnknown,
		})
	}
	return checks
}

// Renew 重置实例的TTL倒计时
// 实例已被回收时返回资源不存在错误
func (r *Registry) Renew(ctx context.Context, instanceID string) (*model.ServiceInstance, error) {
	instance, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	instance.LastRenewedAt = time.Now()
	if err := r.store.PutInstance(ctx, instance); err != nil {
		return nil, err
	}

	return instance, nil
}

// Deregister 注销实例并移除其健康检查，幂等：实例不存在时也返回成功
func (r *Registry) Deregister(ctx context.Context, instanceID string) error {
	instance, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		if catalog.IsNotFound(err) {
			return nil
		}
		return err
	}

	// 删除前先列出检查，注销后按检查ID精确清理串行化锁
	checks, err := r.store.ListChecksByInstance(ctx, instanceID)
	if err != nil && !catalog.IsNotFound(err) {
		return err
	}

	if err := r.store.DeleteChecksByInstance(ctx, instanceID); err != nil && !catalog.IsNotFound(err) {
		return err
	}
	if err := r.store.DeleteInstance(ctx, instanceID); err != nil && !catalog.IsNotFound(err) {
		return err
	}

	checkIDs := make([]string, 0, len(checks))
	for _, check := range checks {
		checkIDs = append(checkIDs, check.ID)
	}
	r.releaseCheckLocks(checkIDs...)

	r.bus.Publish(model.Event{
		Type:        model.EventInstanceDeregistered,
		InstanceID:  instanceID,
		ServiceName: instance.ServiceName,
		At:          time.Now(),
	})

	r.logger.Info("服务实例已注销",
		zap.String("service", instance.ServiceName),
		zap.String("instance_id", instanceID))

	return nil
}

// UpdateHealth 将一次探测结果应用到检查上并返回最新状态
// 状态发生迁移时发布health-changed事件；每次探测都发布probe-observed指标事件
// 实例已不存在时返回资源不存在错误，调用方应丢弃该结果
func (r *Registry) UpdateHealth(ctx context.Context, checkID string, probe *model.ProbeResult) (*model.HealthCheck, error) {
	mu := r.lockForCheck(checkID)
	mu.Lock()
	defer mu.Unlock()

	check, err := r.store.GetCheck(ctx, checkID)
	if err != nil {
		return nil, err
	}

	// 实例已注销则丢弃迟到的探测结果
	if _, err := r.store.GetInstance(ctx, check.InstanceID); err != nil {
		return nil, err
	}

	from := check.State
	changed := check.ApplyProbe(probe)

	if err := r.store.PutCheck(ctx, check); err != nil {
		return nil, err
	}

	r.bus.Publish(model.Event{
		Type:        model.EventProbeObserved,
		InstanceID:  check.InstanceID,
		ServiceName: check.ServiceName,
		CheckID:     check.ID,
		Probe:       probe,
		At:          probe.CheckedAt,
	})

	if changed {
		if err := r.refreshInstanceHealth(ctx, check.InstanceID); err != nil {
			return nil, err
		}

		r.bus.Publish(model.Event{
			Type:        model.EventHealthChanged,
			InstanceID:  check.InstanceID,
			ServiceName: check.ServiceName,
			CheckID:     check.ID,
			From:        from,
			To:          check.State,
			Critical:    check.State == model.HealthStateCritical,
			At:          probe.CheckedAt,
		})

		r.logger.Info("健康检查状态迁移",
			zap.String("check_id", check.ID),
			zap.String("instance_id", check.InstanceID),
			zap.String("from", string(from)),
			zap.String("to", string(check.State)))
	}

	return check, nil
}

// refreshInstanceHealth 按实例全部检查的最差状态刷新实例健康
func (r *Registry) refreshInstanceHealth(ctx context.Context, instanceID string) error {
	checks, err := r.store.ListChecksByInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	instance, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	instance.Health = model.AggregateHealth(checks)
	return r.store.PutInstance(ctx, instance)
}

// lockForCheck 返回检查对应的串行化锁
func (r *Registry) lockForCheck(checkID string) *sync.Mutex {
	r.checkMuMu.Lock()
	defer r.checkMuMu.Unlock()

	mu, ok := r.checkMu[checkID]
	if !ok {
		mu = &sync.Mutex{}
		r.checkMu[checkID] = mu
	}
	return mu
}

// releaseCheckLocks 精确移除给定检查的串行化锁
// 只按检查ID逐个删除，持锁中的探测协程不受影响：
// 它持有的互斥量依然有效，而检查记录已删除，迟到的结果会以NotFound被丢弃
func (r *Registry) releaseCheckLocks(checkIDs ...string) {
	r.checkMuMu.Lock()
	defer r.checkMuMu.Unlock()

	for _, id := range checkIDs {
		delete(r.checkMu, id)
	}
}

// Store 返回底层目录存储的只读引用，供发现和监控组件读取
func (r *Registry) Store() catalog.Store {
	return r.store
}

// Bus 返回事件总线
func (r *Registry) Bus() *EventBus {
	return r.bus
}
