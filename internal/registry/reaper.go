package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/fleet-registry/internal/core/model"
)

// StartReaper 启动过期实例回收循环
// 每个tick扫描一次目录，TTL内未续约的实例被注销并发布instance-reaped事件；
// 该事件是内部信号，是否升级为操作者可见的告警由监控服务决定
func (r *Registry) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if count := r.reapExpired(ctx); count > 0 {
					r.logger.Info("回收了过期实例", zap.Int("count", count))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// reapExpired 扫描并回收TTL过期的实例，返回回收数量
func (r *Registry) reapExpired(ctx context.Context) int {
	instances, err := r.store.ListInstances(ctx)
	if err != nil {
		r.logger.Error("回收扫描读取目录失败", zap.Error(err))
		return 0
	}

	now := time.Now()
	reaped := 0
	for _, instance := range instances {
		if !instance.Expired(now) {
			continue
		}

		if err := r.Deregister(ctx, instance.ID); err != nil {
			r.logger.Error("回收过期实例失败",
				zap.String("instance_id", instance.ID),
				zap.Error(err))
			continue
		}

		r.bus.Publish(model.Event{
			Type:        model.EventInstanceReaped,
			InstanceID:  instance.ID,
			ServiceName: instance.ServiceName,
			Critical:    true,
			At:          now,
		})
		reaped++
	}

	return reaped
}
