package monitoring

import (
	"context"
	"time"

	"github.com/hewenyu/fleet-registry/internal/core/model"
)

// ServiceSummary 是单个服务的实例健康分布
type ServiceSummary struct {
	Total    int `json:"total"`
	Unknown  int `json:"unknown"`
	Passing  int `json:"passing"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
}

// InstanceMetrics 是单个实例的滚动指标
type InstanceMetrics struct {
	ServiceName   string  `json:"service_name"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	Failures      int     `json:"window_failures"`
	Successes     int     `json:"window_successes"`
}

// Dashboard 是只读的监控视图快照
type Dashboard struct {
	GeneratedAt time.Time                   `json:"generated_at"`
	Services    map[string]*ServiceSummary  `json:"services"`
	OpenAlerts  []*model.Alert              `json:"open_alerts"`
	Metrics     map[string]*InstanceMetrics `json:"metrics"`
}

// Snapshot 返回监控视图快照
// 快照由缓存承接，陈旧度上界为dashboardCache（默认5秒）
func (m *Monitor) Snapshot(ctx context.Context) (*Dashboard, error) {
	m.mu.Lock()
	if m.dashboard != nil && time.Since(m.dashboardAt) < m.dashboardCache {
		cached := m.dashboard
		m.mu.Unlock()
		return cached, nil
	}
	m.mu.Unlock()

	instances, err := m.store.ListInstances(ctx)
	if err != nil {
		return nil, err
	}

	services := make(map[string]*ServiceSummary)
	for _, instance := range instances {
		summary, ok := services[instance.ServiceName]
		if !ok {
			summary = &ServiceSummary{}
			services[instance.ServiceName] = summary
		}
		summary.Total++
		switch instance.Health {
		case model.HealthStatePassing:
			summary.Passing++
		case model.HealthStateWarning:
			summary.Warning++
		case model.HealthStateCritical:
			summary.Critical++
		default:
			summary.Unknown++
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := make(map[string]*InstanceMetrics, len(m.instances))
	for instanceID, agg := range m.instances {
		metrics[instanceID] = &InstanceMetrics{
			ServiceName:   agg.serviceName,
			MeanLatencyMs: agg.latencyEWMA,
			Failures:      agg.failures,
			Successes:     agg.successes,
		}
	}

	var openAlerts []*model.Alert
	for _, alert := range m.open {
		cp := *alert
		openAlerts = append(openAlerts, &cp)
	}

	dashboard := &Dashboard{
		GeneratedAt: time.Now(),
		Services:    services,
		OpenAlerts:  openAlerts,
		Metrics:     metrics,
	}
	m.dashboard = dashboard
	m.dashboardAt = dashboard.GeneratedAt

	return dashboard, nil
}
