package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"

	"github.com/hewenyu/fleet-registry/internal/core/model"
)

// ExecuteProbe 执行一次健康探测并返回三态结果
// 超过检查超时的探测记为失败；无法执行（DNS失败、进程无法启动等）记为error，
// error在阈值计数上等同失败，但日志和结果明细中单独标注
func ExecuteProbe(ctx context.Context, check *model.HealthCheck) *model.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	result := &model.ProbeResult{CheckedAt: start}

	// 按检查类型分派到唯一的执行策略
	switch check.Type {
	case model.CheckTypeHTTP:
		probeHTTP(ctx, check.Target, result)
	case model.CheckTypeTCP:
		probeTCP(ctx, check.Target, result)
	case model.CheckTypeScript:
		probeScript(ctx, check.Target, result)
	default:
		result.Outcome = model.ProbeError
		result.Detail = fmt.Sprintf("未知的检查类型: %s", check.Type)
	}

	result.Latency = time.Since(start)

	// 超时统一归为失败
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Outcome = model.ProbeFailure
		result.Detail = "探测超时"
	}

	return result
}

// probeHTTP HTTP探测，2xx/3xx视为成功
func probeHTTP(ctx context.Context, target string, result *model.ProbeResult) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		result.Outcome = model.ProbeError
		result.Detail = "构造探测请求失败: " + err.Error()
		return
	}

	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		result.Outcome = model.ProbeError
		result.Detail = "探测请求执行失败: " + err.Error()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		result.Outcome = model.ProbeSuccess
	} else {
		result.Outcome = model.ProbeFailure
		result.Detail = fmt.Sprintf("非健康状态码: %d", resp.StatusCode)
	}
}

// probeTCP TCP连接探测，建连成功即为成功
func probeTCP(ctx context.Context, target string, result *model.ProbeResult) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			result.Outcome = model.ProbeError
			result.Detail = "DNS解析失败: " + err.Error()
		} else {
			result.Outcome = model.ProbeFailure
			result.Detail = "TCP建连失败: " + err.Error()
		}
		return
	}
	conn.Close()
	result.Outcome = model.ProbeSuccess
}

// probeScript 脚本探测，退出码0视为成功
func probeScript(ctx context.Context, target string, result *model.ProbeResult) {
	cmd := exec.CommandContext(ctx, "sh", "-c", target)
	err := cmd.Run()
	if err == nil {
		result.Outcome = model.ProbeSuccess
		return
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.Outcome = model.ProbeFailure
		result.Detail = fmt.Sprintf("脚本退出码非0: %d", exitErr.ExitCode())
	} else {
		result.Outcome = model.ProbeError
		result.Detail = "脚本无法执行: " + err.Error()
	}
}
