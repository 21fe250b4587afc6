package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"

	"github.com/hewenyu/fleet-registry/internal/core/model"
	"github.com/hewenyu/fleet-registry/internal/store/catalog"
)

// Strategy 选择策略枚举
type Strategy string

const (
	// StrategyRoundRobin 按共享游标轮转
	StrategyRoundRobin Strategy = "round-robin"
	// StrategyHealthBased 偏好passing，平局看连续失败数和注册时间
	StrategyHealthBased Strategy = "health-based"
	// StrategyLatencyBased 偏好最近平均探测延迟最低的实例
	StrategyLatencyBased Strategy = "latency-based"
	// StrategyWeighted 按元数据声明的权重做概率选择
	StrategyWeighted Strategy = "weighted"
)

// ParseStrategy 解析策略名
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(raw) {
	case StrategyRoundRobin, StrategyHealthBased, StrategyLatencyBased, StrategyWeighted:
		return Strategy(raw), nil
	case "":
		return StrategyRoundRobin, nil
	default:
		return "", catalog.NewInvalidArgumentError("未知的选择策略: " + raw)
	}
}

// MetaWeight 实例元数据中声明权重的键
const MetaWeight = "weight"

// Select 按策略从健康实例中选择一个
// 过滤后集合为空时返回ErrNoHealthyInstance，调用方应按可重试处理
func (c *Client) Select(ctx context.Context, serviceName string, tags []string, strategy Strategy) (*Selection, error) {
	snap, stale, err := c.snapshotFor(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	// 策略选择只在健康实例中进行
	candidates := filterInstances(snap.instances, tags, true)
	if len(candidates) == 0 {
		return nil, ErrNoHealthyInstance
	}

	var selection *Selection
	switch strategy {
	case StrategyRoundRobin:
		selection = c.selectRoundRobin(serviceName, tags, candidates)
	case StrategyHealthBased:
		selection = selectHealthBased(candidates, snap.stats)
	case StrategyLatencyBased:
		selection = selectLatencyBased(candidates, snap.stats)
	case StrategyWeighted:
		selection = selectWeighted(candidates)
	default:
		return nil, catalog.NewInvalidArgumentError("未知的选择策略: " + string(strategy))
	}

	selection.Stale = stale
	return selection, nil
}

// selectRoundRobin 使用按(服务名,标签)共享的游标轮转
// 候选集已按注册时间稳定排序，固定集合上N次调用恰好遍历每个实例一次
func (c *Client) selectRoundRobin(serviceName string, tags []string, candidates []*model.ServiceInstance) *Selection {
	key := cursorKey(serviceName, tags)

	c.cursorMu.Lock()
	cursor, ok := c.cursors[key]
	if !ok {
		cursor = new(int)
		c.cursors[key] = cursor
	}
	idx := *cursor % len(candidates)
	*cursor = idx + 1
	c.cursorMu.Unlock()

	return &Selection{
		Instance: candidates[idx],
		Reason:   fmt.Sprintf("round-robin游标位置%d/%d", idx, len(candidates)),
	}
}

// healthRank passing优先于warning
func healthRank(state model.HealthState) int {
	if state == model.HealthStatePassing {
		return 0
	}
	return 1
}

// statsFor 取实例统计，缺失时按零值处理
func statsFor(stats map[string]*instanceStats, instanceID string) instanceStats {
	if st, ok := stats[instanceID]; ok {
		return *st
	}
	return instanceStats{}
}

// selectHealthBased 偏好passing；平局先比最少连续失败，再比最早注册时间
func selectHealthBased(candidates []*model.ServiceInstance, stats map[string]*instanceStats) *Selection {
	sorted := append([]*model.ServiceInstance(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := healthRank(sorted[i].Health), healthRank(sorted[j].Health)
		if ri != rj {
			return ri < rj
		}
		fi := statsFor(stats, sorted[i].ID).consecutiveFailures
		fj := statsFor(stats, sorted[j].ID).consecutiveFailures
		if fi != fj {
			return fi < fj
		}
		return sorted[i].RegisteredAt.Before(sorted[j].RegisteredAt)
	})

	chosen := sorted[0]
	return &Selection{
		Instance: chosen,
		Reason: fmt.Sprintf("health-based: 状态%s, 连续失败%d次",
			chosen.Health, statsFor(stats, chosen.ID).consecutiveFailures),
	}
}

// selectLatencyBased 偏好最低平均探测延迟；平局规则同health-based
func selectLatencyBased(candidates []*model.ServiceInstance, stats map[string]*instanceStats) *Selection {
	sorted := append([]*model.ServiceInstance(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		li := statsFor(stats, sorted[i].ID).meanLatencyMs
		lj := statsFor(stats, sorted[j].ID).meanLatencyMs
		if li != lj {
			return li < lj
		}
		ri, rj := healthRank(sorted[i].Health), healthRank(sorted[j].Health)
		if ri != rj {
			return ri < rj
		}
		fi := statsFor(stats, sorted[i].ID).consecutiveFailures
		fj := statsFor(stats, sorted[j].ID).consecutiveFailures
		if fi != fj {
			return fi < fj
		}
		return sorted[i].RegisteredAt.Before(sorted[j].RegisteredAt)
	})

	chosen := sorted[0]
	return &Selection{
		Instance: chosen,
		Reason: fmt.Sprintf("latency-based: 平均延迟%.1fms",
			statsFor(stats, chosen.ID).meanLatencyMs),
	}
}

// instanceWeight 从元数据解析权重，未声明或非法时按1处理
func instanceWeight(instance *model.ServiceInstance) float64 {
	raw, ok := instance.Metadata[MetaWeight]
	if !ok {
		return 1
	}
	weight, err := strconv.ParseFloat(raw, 64)
	if err != nil || weight <= 0 {
		return 1
	}
	return weight
}

// selectWeighted 选择概率与声明权重成正比，仅限健康实例
func selectWeighted(candidates []*model.ServiceInstance) *Selection {
	total := 0.0
	for _, instance := range candidates {
		total += instanceWeight(instance)
	}

	point := rand.Float64() * total
	acc := 0.0
	for _, instance := range candidates {
		acc += instanceWeight(instance)
		if point < acc {
			return &Selection{
				Instance: instance,
				Reason: fmt.Sprintf("weighted: 权重%.1f/总权重%.1f",
					instanceWeight(instance), total),
			}
		}
	}

	// 浮点累加边界，落到最后一个
	chosen := candidates[len(candidates)-1]
	return &Selection{
		Instance: chosen,
		Reason:   fmt.Sprintf("weighted: 权重%.1f/总权重%.1f", instanceWeight(chosen), total),
	}
}
