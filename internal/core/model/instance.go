package model

import (
	"fmt"
	"time"
)

// HealthState 健康状态枚举
type HealthState string

const (
	// HealthStateUnknown 表示尚未完成首次健康判定
	HealthStateUnknown HealthState = "unknown"
	// HealthStatePassing 表示实例健康
	HealthStatePassing HealthState = "passing"
	// HealthStateWarning 表示实例出现首次失败，处于预警状态
	HealthStateWarning HealthState = "warning"
	// HealthStateCritical 表示实例连续失败达到阈值
	HealthStateCritical HealthState = "critical"
)

// Eligible 判断该状态的实例是否可以参与onlyHealthy发现
// passing和warning视为可用，unknown和critical被排除
func (s HealthState) Eligible() bool {
	return s == HealthStatePassing || s == HealthStateWarning
}

// ServiceInstance 表示一个已注册的服务实例
type ServiceInstance struct {
	ID            string            `json:"id"`
	ServiceName   string            `json:"service_name"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Health        HealthState       `json:"health"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastRenewedAt time.Time         `json:"last_renewed_at"`
	TTL           time.Duration     `json:"ttl"`
}

// Address 返回实例的host:port地址
func (s *ServiceInstance) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Expired 判断实例的TTL是否已经过期
func (s *ServiceInstance) Expired(now time.Time) bool {
	return now.Sub(s.LastRenewedAt) > s.TTL
}

// HasTags 判断实例是否包含所有给定标签
func (s *ServiceInstance) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range s.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
