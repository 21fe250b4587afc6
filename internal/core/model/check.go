package model

import (
	"time"
)

// CheckType 健康检查类型枚举
type CheckType string

const (
	// CheckTypeHTTP 表示HTTP探测，2xx/3xx视为成功
	CheckTypeHTTP CheckType = "http"
	// CheckTypeTCP 表示TCP连接探测
	CheckTypeTCP CheckType = "tcp"
	// CheckTypeScript 表示脚本探测，退出码0视为成功
	CheckTypeScript CheckType = "script"
)

// ProbeOutcome 表示单次探测的三态结果
type ProbeOutcome string

const (
	// ProbeSuccess 探测成功
	ProbeSuccess ProbeOutcome = "success"
	// ProbeFailure 探测失败（目标可达但不健康，或超时）
	ProbeFailure ProbeOutcome = "failure"
	// ProbeError 探测无法执行（如DNS解析失败），阈值计数上等同失败
	ProbeError ProbeOutcome = "error"
)

// Failed 判断该结果在阈值计数上是否算失败
func (o ProbeOutcome) Failed() bool {
	return o == ProbeFailure || o == ProbeError
}

// ProbeResult 表示一次健康探测的结果
type ProbeResult struct {
	Outcome   ProbeOutcome  `json:"outcome"`
	Latency   time.Duration `json:"latency"`
	Detail    string        `json:"detail,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// HealthCheck 表示一项配置在实例上的健康检查
type HealthCheck struct {
	ID                   string        `json:"id"`
	InstanceID           string        `json:"instance_id"`
	ServiceName          string        `json:"service_name"`
	Type                 CheckType     `json:"type"`
	Target               string        `json:"target"`
	Interval             time.Duration `json:"interval"`
	Timeout              time.Duration `json:"timeout"`
	SuccessThreshold     int           `json:"success_threshold"`
	FailureThreshold     int           `json:"failure_threshold"`
	State                HealthState   `json:"state"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	LastCheckedAt        time.Time     `json:"last_checked_at"`
	LastStateChangeAt    time.Time     `json:"last_state_change_at"`
	// MeanLatencyMs 是探测延迟的指数加权移动平均，由健康检查引擎维护
	MeanLatencyMs float64 `json:"mean_latency_ms"`
}

// ApplyProbe 将一次探测结果应用到检查上，返回状态是否发生迁移
// 状态迁移遵循阈值防抖规则：
//   - unknown/critical -(连续SuccessThreshold次成功)-> passing
//   - passing -(单次失败)-> warning
//   - warning -(下一次成功)-> passing，无需阈值
//   - 任意状态 -(连续FailureThreshold次失败)-> critical
func (c *HealthCheck) ApplyProbe(result *ProbeResult) bool {
	c.LastCheckedAt = result.CheckedAt

	// 更新延迟滑动平均，权重偏向历史值以平滑瞬时抖动
	latencyMs := float64(result.Latency.Microseconds()) / 1000.0
	if c.MeanLatencyMs == 0 {
		c.MeanLatencyMs = latencyMs
	} else {
		c.MeanLatencyMs = c.MeanLatencyMs*0.8 + latencyMs*0.2
	}

	prev := c.State
	if result.Outcome.Failed() {
		c.ConsecutiveFailures++
		c.ConsecutiveSuccesses = 0

		if c.ConsecutiveFailures >= c.FailureThreshold {
			c.State = HealthStateCritical
		} else if c.State == HealthStatePassing {
			// passing后的首次失败进入warning，作为临界前信号
			c.State = HealthStateWarning
		}
	} else {
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0

		switch c.State {
		case HealthStateWarning:
			// warning在下一次成功时立即恢复
			c.State = HealthStatePassing
		case HealthStateUnknown, HealthStateCritical:
			if c.ConsecutiveSuccesses >= c.SuccessThreshold {
				c.State = HealthStatePassing
			}
		}
	}

	if c.State != prev {
		c.LastStateChangeAt = result.CheckedAt
		return true
	}
	return false
}

// AggregateHealth 根据一组检查计算实例的综合健康状态
// 取最差状态：critical > warning > unknown > passing；没有检查时为unknown
func AggregateHealth(checks []*HealthCheck) HealthState {
	if len(checks) == 0 {
		return HealthStateUnknown
	}

	state := HealthStatePassing
	for _, c := range checks {
		switch c.State {
		case HealthStateCritical:
			return HealthStateCritical
		case HealthStateWarning:
			state = HealthStateWarning
		case HealthStateUnknown:
			if state != HealthStateWarning {
				state = HealthStateUnknown
			}
		}
	}
	return state
}
