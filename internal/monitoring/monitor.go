package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/fleet-registry/internal/core/config"
	"github.com/hewenyu/fleet-registry/internal/core/model"
	"github.com/hewenyu/fleet-registry/internal/registry"
	"github.com/hewenyu/fleet-registry/internal/store/catalog"
)

// Rules 告警规则阈值
type Rules struct {
	// CriticalDuration critical状态持续多久后升级为service-down告警
	CriticalDuration time.Duration
	// ErrorRate 评估窗口内探测失败率阈值
	ErrorRate float64
	// LatencyMs 平均探测延迟阈值
	LatencyMs float64
	// CatalogDropRatio 两次评估之间目录规模骤降比例阈值
	CatalogDropRatio float64
}

// instanceAgg 是从事件流聚合出的每实例视图
type instanceAgg struct {
	serviceName   string
	state         model.HealthState
	criticalSince time.Time
	successes     int
	failures      int
	latencyEWMA   float64
	lastSeen      time.Time
}

// Monitor 监控告警服务
// 消费注册中心的事件流，按固定节奏评估告警规则（而非逐事件触发，避免告警风暴），
// 按指纹去重：同一指纹同时最多一条未解决告警，条件消失时自动解决
type Monitor struct {
	store    catalog.Store
	bus      *registry.EventBus
	logger   config.Logger
	rules    Rules
	interval time.Duration

	// 开放告警按指纹索引；已解决的告警移入历史列表，
	// 同一指纹再次触发生成新告警，不覆盖历史记录
	mu          sync.Mutex
	open        map[string]*model.Alert
	resolved    []*model.Alert
	instances   map[string]*instanceAgg
	reaped      map[string]string
	prevCatalog int
	lastDropped uint64

	dashboard      *Dashboard
	dashboardAt    time.Time
	dashboardCache time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor 创建监控告警服务
func NewMonitor(store catalog.Store, bus *registry.EventBus, logger config.Logger, rules Rules, interval, dashboardCache time.Duration) *Monitor {
	return &Monitor{
		store:          store,
		bus:            bus,
		logger:         logger,
		rules:          rules,
		interval:       interval,
		dashboardCache: dashboardCache,
		open:           make(map[string]*model.Alert),
		instances:      make(map[string]*instanceAgg),
		reaped:         make(map[string]string),
		prevCatalog:    -1,
	}
}

// Start 启动事件消费循环和告警评估循环
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	// 事件消费循环
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case event := <-m.bus.Events():
				m.consume(&event)
			case <-ctx.Done():
				return
			}
		}
	}()

	// 告警评估循环
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Evaluate(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop 停止监控服务
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// consume 将单条事件并入聚合视图
func (m *Monitor) consume(event *model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case model.EventProbeObserved:
		agg := m.aggFor(event.InstanceID, event.ServiceName)
		agg.lastSeen = event.At
		if event.Probe != nil {
			if event.Probe.Outcome.Failed() {
				agg.failures++
			} else {
				agg.successes++
			}
			latencyMs := float64(event.Probe.Latency.Microseconds()) / 1000.0
			if agg.latencyEWMA == 0 {
				agg.latencyEWMA = latencyMs
			} else {
				agg.latencyEWMA = agg.latencyEWMA*0.8 + latencyMs*0.2
			}
		}
		// 有探测流量说明实例回到了目录
		delete(m.reaped, event.InstanceID)

	case model.EventHealthChanged:
		agg := m.aggFor(event.InstanceID, event.ServiceName)
		agg.state = event.To
		if event.To == model.HealthStateCritical {
			agg.criticalSince = event.At
		} else {
			agg.criticalSince = time.Time{}
		}

	case model.EventInstanceReaped:
		m.reaped[event.InstanceID] = event.ServiceName
		delete(m.instances, event.InstanceID)

	case model.EventInstanceDeregistered:
		// 显式注销是有意操作，撤掉聚合视图让相关告警自动解决
		delete(m.instances, event.InstanceID)
		delete(m.reaped, event.InstanceID)
	}
}

func (m *Monitor) aggFor(instanceID, serviceName string) *instanceAgg {
	agg, ok := m.instances[instanceID]
	if !ok {
		agg = &instanceAgg{serviceName: serviceName, state: model.HealthStateUnknown}
		m.instances[instanceID] = agg
	}
	return agg
}

// Evaluate 执行一轮告警规则评估
// 所有规则对当前聚合视图重新判定；本轮不再成立的开放告警自动解决
func (m *Monitor) Evaluate(ctx context.Context) {
	now := time.Now()

	// 目录规模读取在锁外进行
	catalogSize := -1
	if instances, err := m.store.ListInstances(ctx); err == nil {
		catalogSize = len(instances)
		// 被回收的实例重新出现在目录中说明条件已消失
		present := make(map[string]bool, len(instances))
		for _, instance := range instances {
			present[instance.ID] = true
		}
		m.mu.Lock()
		for id := range m.reaped {
			if present[id] {
				delete(m.reaped, id)
			}
		}
		m.mu.Unlock()
	} else {
		m.logger.Error("告警评估读取目录失败", zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 本轮仍然成立的条件指纹
	active := make(map[string]bool)

	fire := func(alertType model.AlertType, severity model.AlertSeverity, instanceID, serviceName, reason, title, description string) {
		fp := model.AlertFingerprint(alertType, instanceID, reason)
		active[fp] = true
		m.fireLocked(fp, alertType, severity, instanceID, serviceName, title, description, now)
	}

	// 规则1：实例被回收
	for instanceID, serviceName := range m.reaped {
		fire(model.AlertServiceDown, model.AlertSeverityCritical, instanceID, serviceName, "reaped",
			"服务实例失联",
			fmt.Sprintf("实例 %s (%s) 未在TTL内续约，已被回收", instanceID, serviceName))
	}

	for instanceID, agg := range m.instances {
		// 规则2：critical状态持续超过阈值
		if agg.state == model.HealthStateCritical && !agg.criticalSince.IsZero() &&
			now.Sub(agg.criticalSince) >= m.rules.CriticalDuration {
			fire(model.AlertServiceDown, model.AlertSeverityCritical, instanceID, agg.serviceName, "critical",
				"服务实例持续不健康",
				fmt.Sprintf("实例 %s (%s) critical状态已持续 %v", instanceID, agg.serviceName, now.Sub(agg.criticalSince).Round(time.Second)))
		}

		// 规则3：评估窗口内探测失败率过高
		total := agg.successes + agg.failures
		if total >= 3 {
			rate := float64(agg.failures) / float64(total)
			if rate >= m.rules.ErrorRate {
				fire(model.AlertHighErrorRate, model.AlertSeverityWarning, instanceID, agg.serviceName, "error-rate",
					"探测失败率过高",
					fmt.Sprintf("实例 %s (%s) 窗口失败率 %.0f%%", instanceID, agg.serviceName, rate*100))
			}
		}

		// 规则4：平均探测延迟过高
		if agg.latencyEWMA >= m.rules.LatencyMs {
			fire(model.AlertHighLatency, model.AlertSeverityWarning, instanceID, agg.serviceName, "latency",
				"探测延迟过高",
				fmt.Sprintf("实例 %s (%s) 平均延迟 %.0fms", instanceID, agg.serviceName, agg.latencyEWMA))
		}

		// 窗口计数按评估周期滚动
		agg.successes = 0
		agg.failures = 0
	}

	// 规则5：事件总线发生丢弃
	if dropped := m.bus.Dropped(); dropped > m.lastDropped {
		fire(model.AlertCatalogDivergence, model.AlertSeverityWarning, "", "", "events-dropped",
			"事件总线溢出",
			fmt.Sprintf("自上轮评估以来丢弃了 %d 条事件，监控视图可能滞后", dropped-m.lastDropped))
		m.lastDropped = dropped
	}

	// 规则6：目录规模骤降
	if catalogSize >= 0 {
		if m.prevCatalog > 0 && float64(catalogSize) < float64(m.prevCatalog)*(1-m.rules.CatalogDropRatio) {
			fire(model.AlertCatalogDivergence, model.AlertSeverityCritical, "", "", "catalog-shrank",
				"目录规模骤降",
				fmt.Sprintf("目录实例数从 %d 降至 %d", m.prevCatalog, catalogSize))
		}
		m.prevCatalog = catalogSize
	}

	// 条件消失的开放告警自动解决，移入历史列表
	for fp, alert := range m.open {
		if !active[fp] {
			resolvedAt := now
			alert.ResolvedAt = &resolvedAt
			m.resolved = append(m.resolved, alert)
			delete(m.open, fp)
			m.logger.Info("告警已解决",
				zap.String("alert_id", alert.ID),
				zap.String("fingerprint", fp))
		}
	}
}

// fireLocked 触发或刷新一条告警，要求持有m.mu
// 同一指纹已有开放告警时只更新LastSeenAt
func (m *Monitor) fireLocked(fingerprint string, alertType model.AlertType, severity model.AlertSeverity, instanceID, serviceName, title, description string, now time.Time) {
	if existing, ok := m.open[fingerprint]; ok {
		existing.LastSeenAt = now
		return
	}

	alert := &model.Alert{
		ID:          uuid.New().String(),
		Type:        alertType,
		Severity:    severity,
		InstanceID:  instanceID,
		ServiceName: serviceName,
		Title:       title,
		Description: description,
		FiredAt:     now,
		LastSeenAt:  now,
		Fingerprint: fingerprint,
	}
	m.open[fingerprint] = alert

	m.logger.Warn("告警触发",
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alertType)),
		zap.String("severity", string(severity)),
		zap.String("instance_id", instanceID),
		zap.String("title", title))
}

// AlertStatus 告警列表过滤条件
type AlertStatus string

const (
	AlertStatusOpen     AlertStatus = "open"
	AlertStatusResolved AlertStatus = "resolved"
	AlertStatusAll      AlertStatus = "all"
)

// Alerts 返回按触发时间倒序的告警列表
func (m *Monitor) Alerts(status AlertStatus) []*model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	alerts := make([]*model.Alert, 0, len(m.open)+len(m.resolved))
	if status != AlertStatusResolved {
		for _, alert := range m.open {
			cp := *alert
			alerts = append(alerts, &cp)
		}
	}
	if status != AlertStatusOpen {
		for _, alert := range m.resolved {
			cp := *alert
			alerts = append(alerts, &cp)
		}
	}

	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].FiredAt.After(alerts[j].FiredAt)
	})
	return alerts
}
