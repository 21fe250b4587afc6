package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/fleet-registry/internal/core/config"
	"github.com/hewenyu/fleet-registry/internal/core/model"
	"github.com/hewenyu/fleet-registry/internal/store/catalog"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(catalog.NewMemoryStore(), NewEventBus(64), config.NewNopLogger(), 30*time.Second, CheckDefaults{
		Interval:         10 * time.Second,
		Timeout:          5 * time.Second,
		SuccessThreshold: 2,
		FailureThreshold: 3,
	})
}

// drainEvents 取出总线上当前积压的全部事件
func drainEvents(bus *EventBus) []model.Event {
	var events []model.Event
	for {
		select {
		case event := <-bus.Events():
			events = append(events, event)
		default:
			return events
		}
	}
}

func TestRegistry_Register(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	instance, err := r.Register(ctx, &model.RegistrationRequest{
		ServiceName: "worker-openai",
		Host:        "192.168.1.100",
		Port:        8080,
		Tags:        []string{"provider:openai"},
		TTL:         "30s",
	})
	require.NoError(t, err)

	// 未指定ID时自动生成
	assert.NotEmpty(t, instance.ID)
	assert.Equal(t, "worker-openai", instance.ServiceName)
	assert.Equal(t, model.HealthStateUnknown, instance.Health)
	assert.Equal(t, 30*time.Second, instance.TTL)
	assert.False(t, instance.RegisteredAt.IsZero())

	// 写入目录
	saved, err := r.Store().GetInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, instance.ID, saved.ID)
}

func TestRegistry_Register_Validation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  *model.RegistrationRequest
	}{
		{"服务名为空", &model.RegistrationRequest{Host: "10.0.0.1", Port: 8080}},
		{"地址为空", &model.RegistrationRequest{ServiceName: "s", Port: 8080}},
		{"地址含非法字符", &model.RegistrationRequest{ServiceName: "s", Host: "10.0.0.1/24", Port: 8080}},
		{"端口为0", &model.RegistrationRequest{ServiceName: "s", Host: "10.0.0.1", Port: 0}},
		{"端口超界", &model.RegistrationRequest{ServiceName: "s", Host: "10.0.0.1", Port: 70000}},
		{"TTL非法", &model.RegistrationRequest{ServiceName: "s", Host: "10.0.0.1", Port: 8080, TTL: "soon"}},
		{"TTL为负", &model.RegistrationRequest{ServiceName: "s", Host: "10.0.0.1", Port: 8080, TTL: "-5s"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Register(ctx, tc.req)
			assert.True(t, catalog.IsInvalidArgument(err))
		})
	}
}

func TestRegistry_Register_Idempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, &model.RegistrationRequest{
		ID:          "inst-1",
		ServiceName: "worker-openai",
		Host:        "192.168.1.100",
		Port:        8080,
	})
	require.NoError(t, err)

	// 人为推进健康状态，验证重复注册不会抹掉
	saved, err := r.Store().GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	saved.Health = model.HealthStatePassing
	require.NoError(t, r.Store().PutInstance(ctx, saved))

	second, err := r.Register(ctx, &model.RegistrationRequest{
		ID:          "inst-1",
		ServiceName: "worker-openai",
		Host:        "192.168.1.101",
		Port:        8081,
	})
	require.NoError(t, err)

	// 首次注册时间保留，健康状态保留，地址更新
	assert.Equal(t, first.RegisteredAt.Unix(), second.RegisteredAt.Unix())
	assert.Equal(t, model.HealthStatePassing, second.Health)
	assert.Equal(t, "192.168.1.101", second.Host)

	all, err := r.Store().ListInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRegistry_Register_DerivesChecksFromMetadata(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	instance, err := r.Register(ctx, &model.RegistrationRequest{
		ServiceName: "worker-openai",
		Host:        "192.168.1.100",
		Port:        8080,
		Metadata: map[string]string{
			MetaCheckHTTP:     "http://192.168.1.100:8080/health",
			MetaCheckTCP:      "192.168.1.100:8080",
			MetaCheckInterval: "3s",
			MetaCheckTimeout:  "1s",
		},
	})
	require.NoError(t, err)

	checks, err := r.Store().ListChecksByInstance(ctx, instance.ID)
	require.NoError(t, err)
	require.Len(t, checks, 2)

	for _, check := range checks {
		assert.Equal(t, instance.ID, check.InstanceID)
		assert.Equal(t, 3*time.Second, check.Interval)
		assert.Equal(t, time.Second, check.Timeout)
		assert.Equal(t, 2, check.SuccessThreshold)
		assert.Equal(t, 3, check.FailureThreshold)
		assert.Equal(t, model.HealthStateUnknown, check.State)
	}

	// 元数据未变时重复注册不重建检查，已有状态保留
	checks[0].State = model.HealthStatePassing
	require.NoError(t, r.Store().PutCheck(ctx, checks[0]))

	_, err = r.Register(ctx, &model.RegistrationRequest{
		ID:          instance.ID,
		ServiceName: "worker-openai",
		Host:        "192.168.1.100",
		Port:        8080,
		Metadata: map[string]string{
			MetaCheckHTTP:     "http://192.168.1.100:8080/health",
			MetaCheckTCP:      "192.168.1.100:8080",
			MetaCheckInterval: "3s",
			MetaCheckTimeout:  "1s",
		},
	})
	require.NoError(t, err)

	after, err := r.Store().ListChecksByInstance(ctx, instance.ID)
	require.NoError(t, err)
	require.Len(t, after, 2)
	for _, check := range after {
		if check.ID == checks[0].ID {
			assert.Equal(t, model.HealthStatePassing, check.State)
		}
	}
}

func TestRegistry_Register_RejectsIDOwnedByOtherService(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, &model.RegistrationRequest{
		ID:          "node-1",
		ServiceName: "worker-openai",
		Host:        "192.168.1.100",
		Port:        8080,
	})
	require.NoError(t, err)

	// 同一实例ID不能被其他服务抢占
	_, err = r.Register(ctx, &model.RegistrationRequest{
		ID:          "node-1",
		ServiceName: "worker-anthropic",
		Host:        "192.168.1.101",
		Port:        8081,
	})
	require.Error(t, err)
	assert.True(t, catalog.IsInvalidArgument(err))

	// 原服务的实例不受影响
	instances, err := r.Store().ListInstancesByService(ctx, "worker-openai")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "node-1", instances[0].ID)

	others, err := r.Store().ListInstancesByService(ctx, "worker-anthropic")
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestRegistry_Register_ReconcilesChecksOnReRegister(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	instance, err := r.Register(ctx, &model.RegistrationRequest{
		ID:          "w-1",
		ServiceName: "worker-openai",
		Host:        "192.168.1.100",
		Port:        8080,
		Metadata: map[string]string{
			MetaCheckHTTP: "http://192.168.1.100:8080/old",
			MetaCheckTCP:  "192.168.1.100:8080",
		},
	})
	require.NoError(t, err)

	checks, err := r.Store().ListChecksByInstance(ctx, instance.ID)
	require.NoError(t, err)
	require.Len(t, checks, 2)

	var httpCheck *model.HealthCheck
	for _, check := range checks {
		if check.Type == model.CheckTypeHTTP {
			httpCheck = check
		}
	}
	require.NotNil(t, httpCheck)

	// 人为推进去抖状态，验证目标更新时状态保留
	httpCheck.State = model.HealthStatePassing
	httpCheck.ConsecutiveSuccesses = 2
	require.NoError(t, r.Store().PutCheck(ctx, httpCheck))

	// 重新注册：HTTP目标改变，TCP检查撤掉，新增脚本检查
	_, err = r.Register(ctx, &model.RegistrationRequest{
		ID:          instance.ID,
		ServiceName: "worker-openai",
		Host:        "192.168.1.100",
		Port:        8080,
		Metadata: map[string]string{
			MetaCheckHTTP:   "http://192.168.1.100:8080/new",
			MetaCheckScript: "/usr/local/bin/probe.sh",
		},
	})
	require.NoError(t, err)

	after, err := r.Store().ListChecksByInstance(ctx, instance.ID)
	require.NoError(t, err)
	require.Len(t, after, 2)

	byType := make(map[model.CheckType]*model.HealthCheck, len(after))
	for _, check := range after {
		byType[check.Type] = check
	}

	// HTTP检查原地更新：新目标，ID与去抖状态保留
	updated := byType[model.CheckTypeHTTP]
	require.NotNil(t, updated)
	assert.Equal(t, httpCheck.ID, updated.ID)
	assert.Equal(t, "http://192.168.1.100:8080/new", updated.Target)
	assert.Equal(t, model.HealthStatePassing, updated.State)
	assert.Equal(t, 2, updated.ConsecutiveSuccesses)

	// TCP检查已删除，脚本检查以unknown状态新建
	assert.NotContains(t, byType, model.CheckTypeTCP)
	added := byType[model.CheckTypeScript]
	require.NotNil(t, added)
	assert.Equal(t, "/usr/local/bin/probe.sh", added.Target)
	assert.Equal(t, model.HealthStateUnknown, added.State)
}

func TestRegistry_Deregister_ReleasesOnlyOwnCheckLocks(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	instance, err := r.Register(ctx, &model.RegistrationRequest{
		ID:          "w-1",
		ServiceName: "worker-openai",
		Host:        "192.168.1.100",
		Port:        8080,
		Metadata:    map[string]string{MetaCheckHTTP: "http://192.168.1.100:8080/health"},
	})
	require.NoError(t, err)

	checks, err := r.Store().ListChecksByInstance(ctx, instance.ID)
	require.NoError(t, err)
	require.Len(t, checks, 1)

	ownLock := r.lockForCheck(checks[0].ID)
	otherLock := r.lockForCheck("other-check")

	require.NoError(t, r.Deregister(ctx, instance.ID))

	// 只有被注销实例的检查锁被移除，其他检查的锁保持同一实例
	r.checkMuMu.Lock()
	_, ownExists := r.checkMu[checks[0].ID]
	kept, otherExists := r.checkMu["other-check"]
	r.checkMuMu.Unlock()

	assert.False(t, ownExists)
	require.True(t, otherExists)
	assert.Same(t, otherLock, kept)
	assert.NotNil(t, ownLock)
}

func TestRegistry_Renew(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	instance, err := r.Register(ctx, &model.RegistrationRequest{
		ServiceName: "worker-openai",
		Host:        "192.168.1.100",
		Port:        8080,
	})
	require.NoError(t, err)

	before := instance.LastRenewedAt
	time.Sleep(10 * time.Millisecond)

	renewed, err := r.Renew(ctx, instance.ID)
	require.NoError(t, err)
	assert.True(t, renewed.LastRenewedAt.After(before))

	// 不存在的实例续约返回NotFound，客户端应重新注册
	_, err = r.Renew(ctx, "missing")
	assert.True(t, catalog.IsNotFound(err))
}

func TestRegistry_Deregister(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	instance, err := r.Register(ctx, &model.RegistrationRequest{
		ServiceName: "worker-openai",
		Host:        "192.168.1.100",
		Port:        8080,
		Metadata:    map[string]string{MetaCheckHTTP: "http://192.168.1.100:8080/health"},
	})
	require.NoError(t, err)
	drainEvents(r.Bus())

	require.NoError(t, r.Deregister(ctx, instance.ID))

	// 实例和检查都被移除
	_, err = r.Store().GetInstance(ctx, instance.ID)
	assert.True(t, catalog.IsNotFound(err))
	checks, err := r.Store().ListChecksByInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Empty(t, checks)

	// 发布注销事件
	events := drainEvents(r.Bus())
	require.Len(t, events, 1)
	assert.Equal(t, model.EventInstanceDeregistered, events[0].Type)
	assert.Equal(t, instance.ID, events[0].InstanceID)

	// 幂等：重复注销返回成功且不再发事件
	require.NoError(t, r.Deregister(ctx, instance.ID))
	assert.Empty(t, drainEvents(r.Bus()))
}

func TestRegistry_UpdateHealth(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	instance, err := r.Register(ctx, &model.RegistrationRequest{
		ServiceName: "worker-openai",
		Host:        "192.168.1.100",
		Port:        8080,
		Metadata:    map[string]string{MetaCheckHTTP: "http://192.168.1.100:8080/health"},
	})
	require.NoError(t, err)

	checks, err := r.Store().ListChecksByInstance(ctx, instance.ID)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	checkID := checks[0].ID
	drainEvents(r.Bus())

	success := &model.ProbeResult{Outcome: model.ProbeSuccess, Latency: 10 * time.Millisecond, CheckedAt: time.Now()}

	// 首次成功不足阈值，只有probe-observed事件
	check, err := r.UpdateHealth(ctx, checkID, success)
	require.NoError(t, err)
	assert.Equal(t, model.HealthStateUnknown, check.State)
	events := drainEvents(r.Bus())
	require.Len(t, events, 1)
	assert.Equal(t, model.EventProbeObserved, events[0].Type)

	// 第二次成功达到阈值，附带health-changed事件
	check, err = r.UpdateHealth(ctx, checkID, success)
	require.NoError(t, err)
	assert.Equal(t, model.HealthStatePassing, check.State)

	events = drainEvents(r.Bus())
	require.Len(t, events, 2)
	assert.Equal(t, model.EventProbeObserved, events[0].Type)
	assert.Equal(t, model.EventHealthChanged, events[1].Type)
	assert.Equal(t, model.HealthStateUnknown, events[1].From)
	assert.Equal(t, model.HealthStatePassing, events[1].To)

	// 实例健康跟随检查状态
	saved, err := r.Store().GetInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HealthStatePassing, saved.Health)
}

func TestRegistry_UpdateHealth_EscalatesToCritical(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	instance, err := r.Register(ctx, &model.RegistrationRequest{
		ServiceName: "worker-openai",
		Host:        "192.168.1.100",
		Port:        8080,
		Metadata:    map[string]string{MetaCheckHTTP: "http://192.168.1.100:8080/health"},
	})
	require.NoError(t, err)

	checks, err := r.Store().ListChecksByInstance(ctx, instance.ID)
	require.NoError(t, err)
	checkID := checks[0].ID

	failure := &model.ProbeResult{Outcome: model.ProbeFailure, Latency: time.Millisecond, CheckedAt: time.Now()}

	// 连续三次失败达到failure_threshold
	for i := 0; i < 3; i++ {
		_, err = r.UpdateHealth(ctx, checkID, failure)
		require.NoError(t, err)
	}

	saved, err := r.Store().GetInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HealthStateCritical, saved.Health)

	// critical迁移事件标记为关键事件
	events := drainEvents(r.Bus())
	var criticalEvent *model.Event
	for i := range events {
		if events[i].Type == model.EventHealthChanged && events[i].To == model.HealthStateCritical {
			criticalEvent = &events[i]
		}
	}
	require.NotNil(t, criticalEvent)
	assert.True(t, criticalEvent.Critical)
}

func TestRegistry_UpdateHealth_DiscardsAfterDeregister(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	instance, err := r.Register(ctx, &model.RegistrationRequest{
		ServiceName: "worker-openai",
		Host:        "192.168.1.100",
		Port:        8080,
		Metadata:    map[string]string{MetaCheckHTTP: "http://192.168.1.100:8080/health"},
	})
	require.NoError(t, err)

	checks, err := r.Store().ListChecksByInstance(ctx, instance.ID)
	require.NoError(t, err)
	checkID := checks[0].ID

	require.NoError(t, r.Deregister(ctx, instance.ID))

	// 注销后迟到的探测结果被丢弃
	_, err = r.UpdateHealth(ctx, checkID, &model.ProbeResult{Outcome: model.ProbeSuccess, CheckedAt: time.Now()})
	assert.True(t, catalog.IsNotFound(err))
}

func TestRegistry_Reaper(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	// TTL极短的实例
	instance, err := r.Register(ctx, &model.RegistrationRequest{
		ServiceName: "worker-openai",
		Host:        "192.168.1.100",
		Port:        8080,
		TTL:         "30ms",
	})
	require.NoError(t, err)
	drainEvents(r.Bus())

	// 等待TTL过期后手动执行一轮回收
	time.Sleep(50 * time.Millisecond)
	reaped := r.reapExpired(ctx)
	assert.Equal(t, 1, reaped)

	_, err = r.Store().GetInstance(ctx, instance.ID)
	assert.True(t, catalog.IsNotFound(err))

	// 注销事件和回收事件都被发布，回收事件是关键事件
	events := drainEvents(r.Bus())
	require.Len(t, events, 2)
	assert.Equal(t, model.EventInstanceDeregistered, events[0].Type)
	assert.Equal(t, model.EventInstanceReaped, events[1].Type)
	assert.True(t, events[1].Critical)
}

func TestRegistry_Reaper_KeepsRenewedInstance(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	instance, err := r.Register(ctx, &model.RegistrationRequest{
		ServiceName: "worker-openai",
		Host:        "192.168.1.100",
		Port:        8080,
		TTL:         "80ms",
	})
	require.NoError(t, err)

	// 持续续约的实例不会被回收
	time.Sleep(50 * time.Millisecond)
	_, err = r.Renew(ctx, instance.ID)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, r.reapExpired(ctx))
	_, err = r.Store().GetInstance(ctx, instance.ID)
	assert.NoError(t, err)
}

func TestEventBus_DropsOldestWhenFull(t *testing.T) {
	bus := NewEventBus(2)

	bus.Publish(model.Event{Type: model.EventProbeObserved, InstanceID: "a"})
	bus.Publish(model.Event{Type: model.EventProbeObserved, InstanceID: "b"})
	// 总线已满，最旧的非关键事件被丢弃
	bus.Publish(model.Event{Type: model.EventProbeObserved, InstanceID: "c"})

	assert.Equal(t, uint64(1), bus.Dropped())

	first := <-bus.Events()
	second := <-bus.Events()
	assert.Equal(t, "b", first.InstanceID)
	assert.Equal(t, "c", second.InstanceID)
}

func TestEventBus_KeepsCriticalEvents(t *testing.T) {
	bus := NewEventBus(1)

	bus.Publish(model.Event{Type: model.EventInstanceReaped, InstanceID: "a", Critical: true})
	// 关键事件不会被非关键事件挤掉
	bus.Publish(model.Event{Type: model.EventProbeObserved, InstanceID: "b"})

	event := <-bus.Events()
	assert.Equal(t, "a", event.InstanceID)
	assert.True(t, event.Critical)
}

func TestEventBus_OldestCriticalSurvivesCriticalPressure(t *testing.T) {
	bus := NewEventBus(1)

	bus.Publish(model.Event{Type: model.EventInstanceReaped, InstanceID: "a", Critical: true})
	// 积压的关键事件也不会被后来的关键事件挤掉，丢弃的是新来者
	bus.Publish(model.Event{Type: model.EventInstanceReaped, InstanceID: "b", Critical: true})

	assert.Equal(t, uint64(1), bus.Dropped())

	event := <-bus.Events()
	assert.Equal(t, "a", event.InstanceID)
	assert.True(t, event.Critical)
}
