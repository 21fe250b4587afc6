package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hewenyu/fleet-registry/internal/core/model"
	"github.com/hewenyu/fleet-registry/internal/store/catalog"
)

const (
	instanceKeyPrefix = "fleet:instance:"
	serviceSetPrefix  = "fleet:service:"
	checkKeyPrefix    = "fleet:check:"
	checkSetPrefix    = "fleet:instance-checks:"
	instanceSetKey    = "fleet:instances"
)

// CatalogStore 实现基于Redis的目录存储
// 实例记录以TTL两倍的过期时间写入，索引集合随写入刷新过期时间
type CatalogStore struct {
	client         *redis.Client
	requestTimeout time.Duration
}

// Config 表示Redis目录存储配置
type Config struct {
	Addr           string
	Password       string
	DB             int
	RequestTimeout time.Duration
}

// NewCatalogStore 创建一个新的基于Redis的目录存储
func NewCatalogStore(cfg *Config) (*CatalogStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
		MaxRetries:   3,
	})

	// 建连验证
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, catalog.NewUnavailableError("连接Redis失败: " + err.Error())
	}

	return &CatalogStore{
		client:         client,
		requestTimeout: cfg.RequestTimeout,
	}, nil
}

func (s *CatalogStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.requestTimeout)
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

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// 实例记录过期时间为TTL的两倍，回收循环先于过期清理；
	// 索引集合的过期时间随每次写入刷新
	expiry := time.Duration(0)
	if instance.TTL > 0 {
		expiry = instance.TTL * 2
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, instanceKeyPrefix+instance.ID, data, expiry)
	pipe.SAdd(ctx, instanceSetKey, instance.ID)
	pipe.SAdd(ctx, serviceSetPrefix+instance.ServiceName, instance.ID)
	if expiry > 0 {
		pipe.Expire(ctx, serviceSetPrefix+instance.ServiceName, expiry)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return catalog.NewUnavailableError("写入实例信息失败: " + err.Error())
	}

	return nil
}

// GetInstance 获取服务实例详情
func (s *CatalogStore) GetInstance(ctx context.Context, instanceID string) (*model.ServiceInstance, error) {
	if instanceID == "" {
		return nil, catalog.NewInvalidArgumentError("实例ID不能为空")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, instanceKeyPrefix+instanceID).Bytes()
	if err == redis.Nil {
		return nil, catalog.NewNotFoundError("实例不存在: " + instanceID)
	}
	if err != nil {
		return nil, catalog.NewUnavailableError("获取实例信息失败: " + err.Error())
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

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.Del(ctx, instanceKeyPrefix+instanceID)
	pipe.SRem(ctx, instanceSetKey, instanceID)
	pipe.SRem(ctx, serviceSetPrefix+instance.ServiceName, instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return catalog.NewUnavailableError("删除实例信息失败: " + err.Error())
	}

	return nil
}

// ListInstances 获取所有服务实例列表
func (s *CatalogStore) ListInstances(ctx context.Context) ([]*model.ServiceInstance, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids, err := s.client.SMembers(ctx, instanceSetKey).Result()
	if err != nil {
		return nil, catalog.NewUnavailableError("获取实例列表失败: " + err.Error())
	}

	return s.collectInstances(ctx, ids)
}

// ListInstancesByService 获取指定服务名的实例列表
func (s *CatalogStore) ListInstancesByService(ctx context.Context, serviceName string) ([]*model.ServiceInstance, error) {
	if serviceName == "" {
		return nil, catalog.NewInvalidArgumentError("服务名不能为空")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids, err := s.client.SMembers(ctx, serviceSetPrefix+serviceName).Result()
	if err != nil {
		return nil, catalog.NewUnavailableError("获取服务实例列表失败: " + err.Error())
	}

	return s.collectInstances(ctx, ids)
}

// collectInstances 根据ID集合批量读取实例，过期记录顺带从索引集合中移除
func (s *CatalogStore) collectInstances(ctx context.Context, ids []string) ([]*model.ServiceInstance, error) {
	instances := make([]*model.ServiceInstance, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, instanceKeyPrefix+id).Bytes()
		if err == redis.Nil {
			// 记录已过期但索引残留
			s.client.SRem(ctx, instanceSetKey, id)
			continue
		}
		if err != nil {
			return nil, catalog.NewUnavailableError("获取实例信息失败: " + err.Error())
		}

		var instance model.ServiceInstance
		if err := json.Unmarshal(data, &instance); err != nil {
			return nil, catalog.NewInternalError("解析实例信息失败: " + err.Error())
		}
		instances = append(instances, &instance)
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

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.Set(ctx, checkKeyPrefix+check.ID, data, 0)
	pipe.SAdd(ctx, checkSetPrefix+check.InstanceID, check.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return catalog.NewUnavailableError("写入检查信息失败: " + err.Error())
	}

	return nil
}

// GetCheck 获取健康检查记录
func (s *CatalogStore) GetCheck(ctx context.Context, checkID string) (*model.HealthCheck, error) {
	if checkID == "" {
		return nil, catalog.NewInvalidArgumentError("检查ID不能为空")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, checkKeyPrefix+checkID).Bytes()
	if err == redis.Nil {
		return nil, catalog.NewNotFoundError("检查不存在: " + checkID)
	}
	if err != nil {
		return nil, catalog.NewUnavailableError("获取检查信息失败: " + err.Error())
	}

	var check model.HealthCheck
	if err := json.Unmarshal(data, &check); err != nil {
		return nil, catalog.NewInternalError("解析检查信息失败: " + err.Error())
	}

	return &check, nil
}

// ListChecks 获取所有健康检查记录
func (s *CatalogStore) ListChecks(ctx context.Context) ([]*model.HealthCheck, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var checks []*model.HealthCheck
	iter := s.client.Scan(ctx, 0, checkKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, catalog.NewUnavailableError("获取检查信息失败: " + err.Error())
		}

		var check model.HealthCheck
		if err := json.Unmarshal(data, &check); err != nil {
			return nil, catalog.NewInternalError("解析检查信息失败: " + err.Error())
		}
		checks = append(checks, &check)
	}
	if err := iter.Err(); err != nil {
		return nil, catalog.NewUnavailableError("扫描检查记录失败: " + err.Error())
	}

	return checks, nil
}

// ListChecksByInstance 获取指定实例的健康检查记录
func (s *CatalogStore) ListChecksByInstance(ctx context.Context, instanceID string) ([]*model.HealthCheck, error) {
	if instanceID == "" {
		return nil, catalog.NewInvalidArgumentError("实例ID不能为空")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids, err := s.client.SMembers(ctx, checkSetPrefix+instanceID).Result()
	if err != nil {
		return nil, catalog.NewUnavailableError("获取检查列表失败: " + err.Error())
	}

	checks := make([]*model.HealthCheck, 0, len(ids))
	for _, id := range ids {
		check, err := s.GetCheck(ctx, id)
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

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.Del(ctx, checkKeyPrefix+checkID)
	pipe.SRem(ctx, checkSetPrefix+check.InstanceID, checkID)
	if _, err := pipe.Exec(ctx); err != nil {
		return catalog.NewUnavailableError("删除检查信息失败: " + err.Error())
	}

	return nil
}

// DeleteChecksByInstance 删除指定实例的所有健康检查记录
func (s *CatalogStore) DeleteChecksByInstance(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return catalog.NewInvalidArgumentError("实例ID不能为空")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids, err := s.client.SMembers(ctx, checkSetPrefix+instanceID).Result()
	if err != nil {
		return catalog.NewUnavailableError("获取检查列表失败: " + err.Error())
	}

	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, checkKeyPrefix+id)
	}
	pipe.Del(ctx, checkSetPrefix+instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return catalog.NewUnavailableError("删除检查信息失败: " + err.Error())
	}

	return nil
}

// Close 关闭Redis客户端
func (s *CatalogStore) Close() error {
	return s.client.Close()
}
