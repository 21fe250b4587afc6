package model

import (
	"time"
)

// RegistrationRequest 表示服务实例注册请求
type RegistrationRequest struct {
	ServiceName string            `json:"serviceName"`
	ID          string            `json:"id,omitempty"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	// TTL 为续约间隔，支持"30s"形式的duration字符串
	TTL string `json:"ttl,omitempty"`
}

// RegistrationResponse 表示服务实例注册响应
type RegistrationResponse struct {
	InstanceID   string    `json:"instance_id"`
	ServiceName  string    `json:"service_name"`
	RegisteredAt time.Time `json:"registered_at"`
}

// RenewResponse 表示续约响应
type RenewResponse struct {
	InstanceID    string    `json:"instance_id"`
	LastRenewedAt time.Time `json:"last_renewed_at"`
}

// InstanceHealthResponse 表示实例健康查询响应
type InstanceHealthResponse struct {
	InstanceID string         `json:"instance_id"`
	Health     HealthState    `json:"health"`
	Checks     []*HealthCheck `json:"checks"`
}

// ApiResponse 表示通用API响应
type ApiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
