package catalog

import (
	"context"
	"sync"

	"github.com/hewenyu/fleet-registry/internal/core/model"
)

// MemoryStore 是基于内存的目录存储实现，主要用于测试和单机部署
type MemoryStore struct {
	instances map[string]*model.ServiceInstance
	checks    map[string]*model.HealthCheck
	mu        sync.RWMutex
}

// NewMemoryStore 创建新的内存目录存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*model.ServiceInstance),
		checks:    make(map[string]*model.HealthCheck),
	}
}

// PutInstance 写入服务实例
func (m *MemoryStore) PutInstance(ctx context.Context, instance *model.ServiceInstance) error {
	if instance.ID == "" || instance.ServiceName == "" {
		return NewInvalidArgumentError("实例ID和服务名不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *instance
	m.instances[instance.ID] = &cp
	return nil
}

// GetInstance 获取服务实例详情
func (m *MemoryStore) GetInstance(ctx context.Context, instanceID string) (*model.ServiceInstance, error) {
	if instanceID == "" {
		return nil, NewInvalidArgumentError("实例ID不能为空")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	instance, exists := m.instances[instanceID]
	if !exists {
		return nil, NewNotFoundError("实例不存在: " + instanceID)
	}

	cp := *instance
	return &cp, nil
}

// DeleteInstance 删除服务实例
func (m *MemoryStore) DeleteInstance(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return NewInvalidArgumentError("实例ID不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[instanceID]; !exists {
		return NewNotFoundError("实例不存在: " + instanceID)
	}

	delete(m.instances, instanceID)
	return nil
}

// ListInstances 获取所有服务实例列表
func (m *MemoryStore) ListInstances(ctx context.Context) ([]*model.ServiceInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	instances := make([]*model.ServiceInstance, 0, len(m.instances))
	for _, instance := range m.instances {
		cp := *instance
		instances = append(instances, &cp)
	}

	return instances, nil
}

// ListInstancesByService 获取指定服务名的实例列表
func (m *MemoryStore) ListInstancesByService(ctx context.Context, serviceName string) ([]*model.ServiceInstance, error) {
	if serviceName == "" {
		return nil, NewInvalidArgumentError("服务名不能为空")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var instances []*model.ServiceInstance
	for _, instance := range m.instances {
		if instance.ServiceName == serviceName {
			cp := *instance
			instances = append(instances, &cp)
		}
	}

	return instances, nil
}

// PutCheck 写入健康检查记录
func (m *MemoryStore) PutCheck(ctx context.Context, check *model.HealthCheck) error {
	if check.ID == "" || check.InstanceID == "" {
		return NewInvalidArgumentError("检查ID和实例ID不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *check
	m.checks[check.ID] = &cp
	return nil
}

// GetCheck 获取健康检查记录
func (m *MemoryStore) GetCheck(ctx context.Context, checkID string) (*model.HealthCheck, error) {
	if checkID == "" {
		return nil, NewInvalidArgumentError("检查ID不能为空")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	check, exists := m.checks[checkID]
	if !exists {
		return nil, NewNotFoundError("检查不存在: " + checkID)
	}

	cp := *check
	return &cp, nil
}

// ListChecks 获取所有健康检查记录
func (m *MemoryStore) ListChecks(ctx context.Context) ([]*model.HealthCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	checks := make([]*model.HealthCheck, 0, len(m.checks))
	for _, check := range m.checks {
		cp := *check
		checks = append(checks, &cp)
	}

	return checks, nil
}

// ListChecksByInstance 获取指定实例的健康检查记录
func (m *MemoryStore) ListChecksByInstance(ctx context.Context, instanceID string) ([]*model.HealthCheck, error) {
	if instanceID == "" {
		return nil, NewInvalidArgumentError("实例ID不能为空")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var checks []*model.HealthCheck
	for _, check := range m.checks {
		if check.InstanceID == instanceID {
			cp := *check
			checks = append(checks, &cp)
		}
	}

	return checks, nil
}

// DeleteCheck 删除单条健康检查记录
func (m *MemoryStore) DeleteCheck(ctx context.Context, checkID string) error {
	if checkID == "" {
		return NewInvalidArgumentError("检查ID不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.checks[checkID]; !exists {
		return NewNotFoundError("检查不存在: " + checkID)
	}

	delete(m.checks, checkID)
	return nil
}

// DeleteChecksByInstance 删除指定实例的所有健康检查记录
func (m *MemoryStore) DeleteChecksByInstance(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return NewInvalidArgumentError("实例ID不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, check := range m.checks {
		if check.InstanceID == instanceID {
			delete(m.checks, id)
		}
	}

	return nil
}

// Close 释放资源，内存实现无需处理
func (m *MemoryStore) Close() error {
	return nil
}
