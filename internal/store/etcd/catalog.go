package etcd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hewenyu/fleet-registry/internal/core/model"
	"github.com/hewenyu/fleet-registry/internal/store/catalog"
)

const (
	// 实例存储的前缀
	instancePrefix = "/fleet/instances/"
	// 服务名索引的前缀
	serviceIndexPrefix = "/fleet/service-names/"
	// 健康检查存储的前缀
	checkPrefix = "/fleet/checks/"
	// 实例检查索引的前缀
	checkIndexPrefix = "/fleet/instance-checks/"
)

// CatalogStore 实现基于etcd的目录存储
// 实例记录使用TTL两倍的租约写入，作为回收循环之外的兜底清理
type CatalogStore struct {
	client *Client
}

// NewCatalogStore 创建一个新的基于etcd的目录存储
func NewCatalogStore(client *Client) *CatalogStore {
	return &CatalogStore{client: client}
}

func instanceKey(instanceID string) string {
	return instancePrefix + instanceID
}

func serviceIndexKey(serviceName, instanceID string) string {
	return fmt.Sprintf("%s%s/%s", serviceIndexPrefix, serviceName, instanceID)
}

func checkKey(checkID string) string {
	return checkPrefix + checkID
}

func checkIndexKey(instanceID, checkID string) string {
	return fmt.Sprintf("%s%s/%s", checkIndexPrefix, instanceID, checkID)
}

// wrapErr 将底层etcd错误映射为存储不可达错误
func wrapErr(err error) error {
	return catalog.NewUnavailableError(err.Error())
}

// PutInstance 写入服务实例
func (s *CatalogStore) PutInstance(ctx context.Context, instance *model.ServiceInstance) error {
	if instance.ID == "" || instance.ServiceName == "" {
		return catalog.NewInvalidArgumentError("实例ID和服务名不能为空")
	}

	data, err := json.Marshal(instance)
	if err != nil {
		return catalog.NewInternalError("序列化实例信息失败: " + err.Error())
	}

	// 实例记录带租约写入，租约时长为TTL的两倍，
	// 正常情况下回收循环先于租约过期清理实例
	if instance.TTL > 0 {
		err = s.client.PutWithLease(ctx, instanceKey(instance.ID), data, instance.TTL*2)
	} else {
		err = s.client.Put(ctx, instanceKey(instance.ID), data)
	}
	if err != nil {
		return wrapErr(err)
	}

	// 服务名索引使用每实例独立键，避免读-改-写索引列表的竞争
	if err := s.client.Put(ctx, serviceIndexKey(instance.ServiceName, instance.ID), []byte(instance.ID)); err != nil {
		return wrapErr(err)
	}

	return nil
}

// GetInstance 获取服务实例详情
func (s *CatalogStore) GetInstance(ctx context.Context, instanceID string) (*model.ServiceInstance, error) {
	if instanceID == "" {
		return nil, catalog.NewInvalidArgumentError("实例ID不能为空")
	}

	data, err := s.client.Get(ctx, instanceKey(instanceID))
	if err != nil {
		return nil, wrapErr(err)
	}
	if data == nil {
		return nil, catalog.NewNotFoundError("实例不存在: " + instanceID)
	}

	var instance model.ServiceInstance
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, catalog.NewInternalError("解析实例信息失败: " + err.Error())
	}

	return &instance, nil
}

// DeleteInstance 删除服务实例
func (s *CatalogStore) DeleteInstance(ctx context.Context, instanceID string) error {
	instance, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	if err := s.client.Delete(ctx, instanceKey(instanceID)); err != nil {
		return wrapErr(err)
	}

	if err := s.client.Delete(ctx, serviceIndexKey(instance.ServiceName, instanceID)); err != nil {
		return wrapErr(err)
	}

	return nil
}

// ListInstances 获取所有服务实例列表
func (s *CatalogStore) ListInstances(ctx context.Context) ([]*model.ServiceInstance, error) {
	kvs, err := s.client.GetWithPrefix(ctx, instancePrefix)
	if err != nil {
		return nil, wrapErr(err)
	}

	instances := make([]*model.ServiceInstance, 0, len(kvs))
	for _, data := range kvs {
		var instance model.ServiceInstance
		if err := json.Unmarshal(data, &instance); err != nil {
			return nil, catalog.NewInternalError("解析实例信息失败: " + err.Error())
		}
		instances = append(instances, &instance)
	}

	return instances, nil
}

// ListInstancesByService 获取指定服务名的实例列表
func (s *CatalogStore) ListInstancesByService(ctx context.Context, serviceName string) ([]*model.ServiceInstance, error) {
	if serviceName == "" {
		return nil, catalog.NewInvalidArgumentError("服务名不能为空")
	}

	index, err := s.client.GetWithPrefix(ctx, serviceIndexPrefix+serviceName+"/")
	if err != nil {
		return nil, wrapErr(err)
	}

	instances := make([]*model.ServiceInstance, 0, len(index))
	for _, idData := range index {
		instance, err := s.GetInstance(ctx, string(idData))
		if err != nil {
			// 实例可能已被租约过期清理，索引尚未跟上
			if catalog.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// PutCheck 写入健康检查记录
func (s *CatalogStore) PutCheck(ctx context.Context, check *model.HealthCheck) error {
	if check.ID == "" || check.InstanceID == "" {
		return catalog.NewInvalidArgumentError("检查ID和实例ID不能为空")
	}

	data, err := json.Marshal(check)
	if err != nil {
		return catalog.NewInternalError("序列化检查信息失败: " + err.Error())
	}

	if err := s.client.Put(ctx, checkKey(check.ID), data); err != nil {
		return wrapErr(err)
	}

	if err := s.client.Put(ctx, checkIndexKey(check.InstanceID, check.ID), []byte(check.ID)); err != nil {
		return wrapErr(err)
	}

	return nil
}

// GetCheck 获取健康检查记录
func (s *CatalogStore) GetCheck(ctx context.Context, checkID string) (*model.HealthCheck, error) {
	if checkID == "" {
		return nil, catalog.NewInvalidArgumentError("检查ID不能为空")
	}

	data, err := s.client.Get(ctx, checkKey(checkID))
	if err != nil {
		return nil, wrapErr(err)
	}
	if data == nil {
		return nil, catalog.NewNotFoundError("检查不存在: " + checkID)
	}

	var check model.HealthCheck
	if err := json.Unmarshal(data, &check); err != nil {
		return nil, catalog.NewInternalError("解析检查信息失败: " + err.Error())
	}

	return &check, nil
}

// ListChecks 获取所有健康检查记录
func (s *CatalogStore) ListChecks(ctx context.Context) ([]*model.HealthCheck, error) {
	kvs, err := s.client.GetWithPrefix(ctx, checkPrefix)
	if err != nil {
		return nil, wrapErr(err)
	}

	checks := make([]*model.HealthCheck, 0, len(kvs))
	for _, data := range kvs {
		var check model.HealthCheck
		if err := json.Unmarshal(data, &check); err != nil {
			return nil, catalog.NewInternalError("解析检查信息失败: " + err.Error())
		}
		checks = append(checks, &check)
	}

	return checks, nil
}

// ListChecksByInstance 获取指定实例的健康检查记录
func (s *CatalogStore) ListChecksByInstance(ctx context.Context, instanceID string) ([]*model.HealthCheck, error) {
	if instanceID == "" {
		return nil, catalog.NewInvalidArgumentError("实例ID不能为空")
	}

	index, err := s.client.GetWithPrefix(ctx, checkIndexPrefix+instanceID+"/")
	if err != nil {
		return nil, wrapErr(err)
	}

	checks := make([]*model.HealthCheck, 0, len(index))
	for _, idData := range index {
		check, err := s.GetCheck(ctx, string(idData))
		if err != nil {
			if catalog.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		checks = append(checks, check)
	}

	return checks, nil
}

// DeleteCheck 删除单条健康检查记录及其实例索引
func (s *CatalogStore) DeleteCheck(ctx context.Context, checkID string) error {
	check, err := s.GetCheck(ctx, checkID)
	if err != nil {
		return err
	}

	if err := s.client.Delete(ctx, checkKey(checkID)); err != nil {
		return wrapErr(err)
	}

	if err := s.client.Delete(ctx, checkIndexKey(check.InstanceID, checkID)); err != nil {
		return wrapErr(err)
	}

	return nil
}

// DeleteChecksByInstance 删除指定实例的所有健康检查记录
func (s *CatalogStore) DeleteChecksByInstance(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return catalog.NewInvalidArgumentError("实例ID不能为空")
	}

	checks, err := s.ListChecksByInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	for _, check := range checks {
		if err := s.client.Delete(ctx, checkKey(check.ID)); err != nil {
			return wrapErr(err)
		}
	}

	if err := s.client.DeleteWithPrefix(ctx, checkIndexPrefix+instanceID+"/"); err != nil {
		return wrapErr(err)
	}

	return nil
}

// Close 关闭底层etcd客户端
func (s *CatalogStore) Close() error {
	return s.client.Close()
}
