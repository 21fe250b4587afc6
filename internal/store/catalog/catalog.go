package catalog

import (
	"context"

	"github.com/hewenyu/fleet-registry/internal/core/model"
)

// Store 定义目录存储接口
// 目录是已注册实例及其健康检查记录的权威视图，键为(serviceName, id)
// 所有写入只能经由注册中心的窄接口进行，发现和监控只持有读视图
type Store interface {
	// PutInstance 写入（注册或更新）服务实例
	PutInstance(ctx context.Context, instance *model.ServiceInstance) error

	// GetInstance 获取服务实例详情
	GetInstance(ctx context.Context, instanceID string) (*model.ServiceInstance, error)

	// DeleteInstance 删除服务实例
	DeleteInstance(ctx context.Context, instanceID string) error

	// ListInstances 获取所有服务实例列表
	ListInstances(ctx context.Context) ([]*model.ServiceInstance, error)

	// ListInstancesByService 获取指定服务名的实例列表
	ListInstancesByService(ctx context.Context, serviceName string) ([]*model.ServiceInstance, error)

	// PutCheck 写入（创建或更新）健康检查记录
	PutCheck(ctx context.Context, check *model.HealthCheck) error

	// GetCheck 获取健康检查记录
	GetCheck(ctx context.Context, checkID string) (*model.HealthCheck, error)

	// ListChecks 获取所有健康检查记录
	ListChecks(ctx context.Context) ([]*model.HealthCheck, error)

	// ListChecksByInstance 获取指定实例的健康检查记录
	ListChecksByInstance(ctx context.Context, instanceID string) ([]*model.HealthCheck, error)

	// DeleteCheck 删除单条健康检查记录
	DeleteCheck(ctx context.Context, checkID string) error

	// DeleteChecksByInstance 删除指定实例的所有健康检查记录
	DeleteChecksByInstance(ctx context.Context, instanceID string) error

	// Close 释放存储持有的连接资源
	Close() error
}

// StoreError 定义存储操作可能返回的错误类型
type StoreError struct {
	Code    int
	Message string
}

// Error 实现error接口
func (e *StoreError) Error() string {
	return e.Message
}

// 定义错误代码
const (
	// ErrNotFound 资源不存在
	ErrNotFound = iota + 1
	// ErrAlreadyExists 资源已存在
	ErrAlreadyExists
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
	// ErrUnavailable 存储不可达
	ErrUnavailable
	// ErrInternal 内部错误
	ErrInternal
)

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(message string) *StoreError {
	return &StoreError{Code: ErrNotFound, Message: message}
}

// NewAlreadyExistsError 创建资源已存在错误
func NewAlreadyExistsError(message string) *StoreError {
	return &StoreError{Code: ErrAlreadyExists, Message: message}
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *StoreError {
	return &StoreError{Code: ErrInvalidArgument, Message: message}
}

// NewUnavailableError 创建存储不可达错误
func NewUnavailableError(message string) *StoreError {
	return &StoreError{Code: ErrUnavailable, Message: message}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *StoreError {
	return &StoreError{Code: ErrInternal, Message: message}
}

// IsNotFound 判断错误是否为资源不存在
func IsNotFound(err error) bool {
	storeErr, ok := err.(*StoreError)
	return ok && storeErr.Code == ErrNotFound
}

// IsInvalidArgument 判断错误是否为参数无效
func IsInvalidArgument(err error) bool {
	storeErr, ok := err.(*StoreError)
	return ok && storeErr.Code == ErrInvalidArgument
}

// IsUnavailable 判断错误是否为存储不可达
func IsUnavailable(err error) bool {
	storeErr, ok := err.(*StoreError)
	return ok && storeErr.Code == ErrUnavailable
}
