package registry

import (
	"sync/atomic"

	"github.com/hewenyu/fleet-registry/internal/core/model"
)

// EventBus 是注册中心到监控服务的有界事件通道
// 通道满时丢弃最旧的非关键事件而不是阻塞注册中心；
// 丢弃计数由监控服务读取并转化为目录异常告警
type EventBus struct {
	ch      chan model.Event
	dropped uint64
}

// NewEventBus 创建指定容量的事件总线
func NewEventBus(size int) *EventBus {
	return &EventBus{
		ch: make(chan model.Event, size),
	}
}

// Publish 发布事件，永不阻塞调用方
// 通道满时只牺牲非关键事件：弹出的最旧事件若为关键事件则放回原位，
// 改为丢弃本次到来的事件，积压中的关键事件不会被后来者挤掉
func (b *EventBus) Publish(event model.Event) {
	select {
	case b.ch <- event:
		return
	default:
	}

	// 通道已满：弹出最旧事件腾出位置
	select {
	case oldest := <-b.ch:
		if oldest.Critical {
			select {
			case b.ch <- oldest:
			default:
				atomic.AddUint64(&b.dropped, 1)
			}
			atomic.AddUint64(&b.dropped, 1)
			return
		}
		atomic.AddUint64(&b.dropped, 1)
	default:
	}

	select {
	case b.ch <- event:
	default:
		atomic.AddUint64(&b.dropped, 1)
	}
}

// Events 返回事件的只读通道
func (b *EventBus) Events() <-chan model.Event {
	return b.ch
}

// Dropped 返回累计丢弃的事件数
func (b *EventBus) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}
