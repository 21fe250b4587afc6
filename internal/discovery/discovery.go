package discovery

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/fleet-registry/internal/core/config"
	"github.com/hewenyu/fleet-registry/internal/core/model"
	"github.com/hewenyu/fleet-registry/internal/store/catalog"
)

// ErrNoHealthyInstance 表示过滤后没有可用实例
// 对调用方而言是可重试错误：新实例随时可能完成注册
var ErrNoHealthyInstance = errors.New("没有符合条件的健康实例")

// Result 表示一次发现查询的结果
// Stale为true表示存储不可达，结果来自有界陈旧度的读缓存
type Result struct {
	Instances []*model.ServiceInstance `json:"instances"`
	Stale     bool                     `json:"stale"`
}

// Selection 表示一次策略选择的结果
// Reason 给出策略的决策说明，仅用于观测，不做持久化
type Selection struct {
	Instance *model.ServiceInstance `json:"instance"`
	Reason   string                 `json:"reason"`
	Stale    bool                   `json:"stale"`
}

// instanceStats 是从检查记录聚合出的每实例统计
type instanceStats struct {
	consecutiveFailures int
	meanLatencyMs       float64
}

// snapshot 是某个服务的目录快照及其统计
type snapshot struct {
	instances []*model.ServiceInstance
	stats     map[string]*instanceStats
	fetchedAt time.Time
}

// Client 发现客户端，目录的只读视图
// 读取可由有界陈旧度缓存承接以降低存储压力；写入永远不经过这里
type Client struct {
	store    catalog.Store
	logger   config.Logger
	cacheTTL time.Duration

	cache   map[string]*snapshot
	cacheMu sync.RWMutex

	cursors  map[string]*int
	cursorMu sync.Mutex
}

// NewClient 创建发现客户端
func NewClient(store catalog.Store, logger config.Logger, cacheTTL time.Duration) *Client {
	return &Client{
		store:    store,
		logger:   logger,
		cacheTTL: cacheTTL,
		cache:    make(map[string]*snapshot),
		cursors:  make(map[string]*int),
	}
}

// Discover 返回匹配服务名和标签的实例有序列表
// onlyHealthy为true时排除unknown和critical状态的实例
func (c *Client) Discover(ctx context.Context, serviceName string, tags []string, onlyHealthy bool) (*Result, error) {
	snap, stale, err := c.snapshotFor(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	filtered := filterInstances(snap.instances, tags, onlyHealthy)
	return &Result{Instances: filtered, Stale: stale}, nil
}

// filterInstances 依次应用标签子集过滤和健康过滤，结果按注册时间稳定排序
func filterInstances(instances []*model.ServiceInstance, tags []string, onlyHealthy bool) []*model.ServiceInstance {
	filtered := make([]*model.ServiceInstance, 0, len(instances))
	for _, instance := range instances {
		if !instance.HasTags(tags) {
			continue
		}
		if onlyHealthy && !instance.Health.Eligible() {
			continue
		}
		filtered = append(filtered, instance)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].RegisteredAt.Equal(filtered[j].RegisteredAt) {
			return filtered[i].ID < filtered[j].ID
		}
		return filtered[i].RegisteredAt.Before(filtered[j].RegisteredAt)
	})

	return filtered
}

// snapshotFor 读取服务的目录快照，优先使用未过期的缓存
// 存储不可达时退回最近一次成功的快照并标记stale
func (c *Client) snapshotFor(ctx context.Context, serviceName string) (*snapshot, bool, error) {
	c.cacheMu.RLock()
	cached, hasCached := c.cache[serviceName]
	c.cacheMu.RUnlock()

	if hasCached && time.Since(cached.fetchedAt) < c.cacheTTL {
		return cached, false, nil
	}

	instances, err := c.store.ListInstancesByService(ctx, serviceName)
	if err != nil {
		if catalog.IsUnavailable(err) && hasCached {
			c.logger.Warn("目录存储不可达，使用陈旧快照",
				zap.String("service", serviceName),
				zap.Time("fetched_at", cached.fetchedAt))
			return cached, true, nil
		}
		return nil, false, err
	}

	checks, err := c.store.ListChecks(ctx)
	if err != nil {
		if catalog.IsUnavailable(err) && hasCached {
			return cached, true, nil
		}
		return nil, false, err
	}

	stats := make(map[string]*instanceStats)
	for _, check := range checks {
		st, ok := stats[check.InstanceID]
		if !ok {
			st = &instanceStats{}
			stats[check.InstanceID] = st
		}
		if check.ConsecutiveFailures > st.consecutiveFailures {
			st.consecutiveFailures = check.ConsecutiveFailures
		}
		if check.MeanLatencyMs > st.meanLatencyMs {
			st.meanLatencyMs = check.MeanLatencyMs
		}
	}

	snap := &snapshot{
		instances: instances,
		stats:     stats,
		fetchedAt: time.Now(),
	}

	c.cacheMu.Lock()
	c.cache[serviceName] = snap
	c.cacheMu.Unlock()

	return snap, false, nil
}

// cursorKey 生成round-robin游标的共享键：服务名+标签集合
func cursorKey(serviceName string, tags []string) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return serviceName + "|" + strings.Join(sorted, ",")
}
