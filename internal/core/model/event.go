package model

import (
	"time"
)

// EventType 注册中心发布的事件类型枚举
type EventType string

const (
	// EventHealthChanged 检查状态发生迁移
	EventHealthChanged EventType = "health-changed"
	// EventInstanceReaped 实例因TTL过期被回收
	EventInstanceReaped EventType = "instance-reaped"
	// EventInstanceDeregistered 实例被显式注销
	EventInstanceDeregistered EventType = "instance-deregistered"
	// EventProbeObserved 单次探测结果，承载延迟/错误率指标
	EventProbeObserved EventType = "probe-observed"
)

// Event 表示注册中心发布到事件总线上的一条事件
// Critical为true的事件在总线满时不会被丢弃
type Event struct {
	Type        EventType    `json:"type"`
	InstanceID  string       `json:"instance_id"`
	ServiceName string       `json:"service_name"`
	CheckID     string       `json:"check_id,omitempty"`
	From        HealthState  `json:"from,omitempty"`
	To          HealthState  `json:"to,omitempty"`
	Probe       *ProbeResult `json:"probe,omitempty"`
	Critical    bool         `json:"critical"`
	At          time.Time    `json:"at"`
}
