package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/fleet-registry/internal/core/config"
	"github.com/hewenyu/fleet-registry/internal/core/model"
	"github.com/hewenyu/fleet-registry/internal/discovery"
	"github.com/hewenyu/fleet-registry/internal/healthcheck"
	"github.com/hewenyu/fleet-registry/internal/monitoring"
	"github.com/hewenyu/fleet-registry/internal/registry"
	"github.com/hewenyu/fleet-registry/internal/store/catalog"
)

// fixture 把注册中心、健康检查引擎、发现客户端和监控服务组装成完整的服务端
type fixture struct {
	reg     *registry.Registry
	engine  *healthcheck.Engine
	disc    *discovery.Client
	monitor *monitoring.Monitor
}

func newFixture(t *testing.T, ctx context.Context) *fixture {
	t.Helper()
	logger := config.NewNopLogger()
	store := catalog.NewMemoryStore()
	bus := registry.NewEventBus(1024)

	reg := registry.New(store, bus, logger, 30*time.Second, registry.CheckDefaults{
		Interval:         20 * time.Millisecond,
		Timeout:          10 * time.Millisecond,
		SuccessThreshold: 2,
		FailureThreshold: 3,
	})
	engine := healthcheck.NewEngine(reg, logger, 30*time.Millisecond)
	disc := discovery.NewClient(store, logger, 10*time.Millisecond)
	monitor := monitoring.NewMonitor(store, bus, logger, monitoring.Rules{
		CriticalDuration: 50 * time.Millisecond,
		ErrorRate:        0.5,
		LatencyMs:        10000,
		CatalogDropRatio: 0.9,
	}, 30*time.Millisecond, time.Millisecond)

	monitor.Start(ctx)
	t.Cleanup(monitor.Stop)

	return &fixture{reg: reg, engine: engine, disc: disc, monitor: monitor}
}

// switchableBackend 是一个可以在健康和故障之间切换的被探测服务
type switchableBackend struct {
	server  *httptest.Server
	healthy int32
}

func newSwitchableBackend(healthy bool) *switchableBackend {
	b := &switchableBackend{}
	if healthy {
		b.healthy = 1
	}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&b.healthy) == 1 {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	return b
}

func (b *switchableBackend) setHealthy(v bool) {
	if v {
		atomic.StoreInt32(&b.healthy, 1)
	} else {
		atomic.StoreInt32(&b.healthy, 0)
	}
}

// 场景：实例注册后被持续探测，连续失败达到阈值进入critical，
// onlyHealthy发现不再返回它，监控升级出service-down告警；
// 后端恢复后实例回到passing，发现恢复，告警自动解决
func TestEndToEnd_FailureDetectionAndRecovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, ctx)
	backend := newSwitchableBackend(true)
	defer backend.server.Close()

	instance, err := f.reg.Register(ctx, &model.RegistrationRequest{
		ServiceName: "worker-openai",
		Host:        "127.0.0.1",
		Port:        8080,
		Tags:        []string{"provider:openai"},
		TTL:         "30s",
		Metadata:    map[string]string{registry.MetaCheckHTTP: backend.server.URL},
	})
	require.NoError(t, err)

	f.engine.Start(ctx)
	defer f.engine.Stop()

	// 连续成功后实例进入passing，可以被onlyHealthy发现
	require.Eventually(t, func() bool {
		result, err := f.disc.Discover(ctx, "worker-openai", []string{"provider:openai"}, true)
		return err == nil && len(result.Instances) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// 后端故障，连续失败达到failure_threshold后进入critical
	backend.setHealthy(false)
	require.Eventually(t, func() bool {
		saved, err := f.reg.Store().GetInstance(ctx, instance.ID)
		return err == nil && saved.Health == model.HealthStateCritical
	}, 3*time.Second, 10*time.Millisecond)

	// critical实例从onlyHealthy发现中消失
	require.Eventually(t, func() bool {
		result, err := f.disc.Discover(ctx, "worker-openai", []string{"provider:openai"}, true)
		return err == nil && len(result.Instances) == 0
	}, 3*time.Second, 10*time.Millisecond)

	// critical持续超过阈值后监控升级出service-down告警
	require.Eventually(t, func() bool {
		for _, alert := range f.monitor.Alerts(monitoring.AlertStatusOpen) {
			if alert.Type == model.AlertServiceDown && alert.InstanceID == instance.ID {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	// 后端恢复，实例回到passing，发现恢复
	backend.setHealthy(true)
	require.Eventually(t, func() bool {
		result, err := f.disc.Discover(ctx, "worker-openai", []string{"provider:openai"}, true)
		return err == nil && len(result.Instances) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// 条件消失后告警自动解决
	require.Eventually(t, func() bool {
		for _, alert := range f.monitor.Alerts(monitoring.AlertStatusOpen) {
			if alert.Type == model.AlertServiceDown {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
}

// 场景：两个实例一个健康一个降级，health-based策略始终选择健康的那个
func TestEndToEnd_HealthBasedSelection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, ctx)

	healthyBackend := newSwitchableBackend(true)
	defer healthyBackend.server.Close()
	degradedBackend := newSwitchableBackend(true)
	defer degradedBackend.server.Close()

	a, err := f.reg.Register(ctx, &model.RegistrationRequest{
		ID:          "worker-a",
		ServiceName: "worker-openai",
		Host:        "127.0.0.1",
		Port:        8080,
		Metadata:    map[string]string{registry.MetaCheckHTTP: degradedBackend.server.URL},
	})
	require.NoError(t, err)

	b, err := f.reg.Register(ctx, &model.RegistrationRequest{
		ID:          "worker-b",
		ServiceName: "worker-openai",
		Host:        "127.0.0.1",
		Port:        8081,
		Metadata:    map[string]string{registry.MetaCheckHTTP: healthyBackend.server.URL},
	})
	require.NoError(t, err)

	f.engine.Start(ctx)
	defer f.engine.Stop()

	// 两个实例都先进入passing
	require.Eventually(t, func() bool {
		result, err := f.disc.Discover(ctx, "worker-openai", nil, true)
		return err == nil && len(result.Instances) == 2
	}, 3*time.Second, 10*time.Millisecond)

	// a的后端开始失败，离开passing状态
	degradedBackend.setHealthy(false)
	require.Eventually(t, func() bool {
		saved, err := f.reg.Store().GetInstance(ctx, a.ID)
		return err == nil && saved.Health != model.HealthStatePassing
	}, 3*time.Second, 5*time.Millisecond)

	// 健康的b始终可被发现
	result, err := f.disc.Discover(ctx, "worker-openai", nil, true)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Instances)

	// health-based策略偏好passing的b
	require.Eventually(t, func() bool {
		selection, err := f.disc.Select(ctx, "worker-openai", nil, discovery.StrategyHealthBased)
		return err == nil && selection.Instance.ID == b.ID
	}, 3*time.Second, 10*time.Millisecond)
}

// 场景：TTL内未续约的实例被回收，发现不再返回它，监控产生告警
func TestEndToEnd_ReapAndRealert(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, ctx)

	instance, err := f.reg.Register(ctx, &model.RegistrationRequest{
		ServiceName: "worker-openai",
		Host:        "127.0.0.1",
		Port:        8080,
		TTL:         "60ms",
	})
	require.NoError(t, err)

	f.reg.StartReaper(ctx, 20*time.Millisecond)

	// 不续约，TTL过期后实例被回收
	require.Eventually(t, func() bool {
		_, err := f.reg.Store().GetInstance(ctx, instance.ID)
		return catalog.IsNotFound(err)
	}, 3*time.Second, 10*time.Millisecond)

	result, err := f.disc.Discover(ctx, "worker-openai", nil, false)
	require.NoError(t, err)
	assert.Empty(t, result.Instances)

	// 回收升级为service-down告警
	require.Eventually(t, func() bool {
		for _, alert := range f.monitor.Alerts(monitoring.AlertStatusOpen) {
			if alert.Type == model.AlertServiceDown && alert.InstanceID == instance.ID {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}
