package model

import (
	"fmt"
	"time"
)

// AlertType 告警类型枚举
type AlertType string

const (
	// AlertServiceDown 实例不可用告警
	AlertServiceDown AlertType = "service-down"
	// AlertHighLatency 探测延迟过高告警
	AlertHighLatency AlertType = "high-latency"
	// AlertHighErrorRate 探测失败率过高告警
	AlertHighErrorRate AlertType = "high-error-rate"
	// AlertCatalogDivergence 目录异常告警（事件丢弃、目录规模骤降、持续内部错误）
	AlertCatalogDivergence AlertType = "catalog-divergence"
)

// AlertSeverity 告警级别枚举
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Alert 表示一条操作者可见的告警记录
type Alert struct {
	ID          string        `json:"id"`
	Type        AlertType     `json:"type"`
	Severity    AlertSeverity `json:"severity"`
	InstanceID  string        `json:"instance_id,omitempty"`
	ServiceName string        `json:"service_name,omitempty"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	FiredAt     time.Time     `json:"fired_at"`
	LastSeenAt  time.Time     `json:"last_seen_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
	// Fingerprint 是去重键，同一指纹同时最多存在一条未解决告警
	Fingerprint string `json:"fingerprint"`
}

// Open 判断告警是否仍未解决
func (a *Alert) Open() bool {
	return a.ResolvedAt == nil
}

// AlertFingerprint 计算告警的去重指纹：类型+实例+原因
func AlertFingerprint(alertType AlertType, instanceID, reason string) string {
	return fmt.Sprintf("%s/%s/%s", alertType, instanceID, reason)
}
