package healthcheck

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/fleet-registry/internal/core/model"
)

func httpCheck(target string, timeout time.Duration) *model.HealthCheck {
	return &model.HealthCheck{
		ID:      "check-http",
		Type:    model.CheckTypeHTTP,
		Target:  target,
		Timeout: timeout,
	}
}

func TestExecuteProbe_HTTPSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := ExecuteProbe(context.Background(), httpCheck(server.URL, 2*time.Second))
	assert.Equal(t, model.ProbeSuccess, result.Outcome)
	assert.Greater(t, result.Latency, time.Duration(0))
	assert.False(t, result.CheckedAt.IsZero())
}

func TestExecuteProbe_HTTPRedirectIsSuccess(t *testing.T) {
	// 3xx也视为成功
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	defer server.Close()

	result := ExecuteProbe(context.Background(), httpCheck(server.URL, 2*time.Second))
	assert.Equal(t, model.ProbeSuccess, result.Outcome)
}

func TestExecuteProbe_HTTPUnhealthyStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	result := ExecuteProbe(context.Background(), httpCheck(server.URL, 2*time.Second))
	assert.Equal(t, model.ProbeFailure, result.Outcome)
	assert.Contains(t, result.Detail, "500")
}

func TestExecuteProbe_HTTPTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	// 超时统一归为失败而非error
	result := ExecuteProbe(context.Background(), httpCheck(server.URL, 30*time.Millisecond))
	assert.Equal(t, model.ProbeFailure, result.Outcome)
	assert.Equal(t, "探测超时", result.Detail)
}

func TestExecuteProbe_TCP(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	check := &model.HealthCheck{
		ID:      "check-tcp",
		Type:    model.CheckTypeTCP,
		Target:  listener.Addr().String(),
		Timeout: 2 * time.Second,
	}

	result := ExecuteProbe(context.Background(), check)
	assert.Equal(t, model.ProbeSuccess, result.Outcome)
}

func TestExecuteProbe_TCPConnectionRefused(t *testing.T) {
	// 先拿到一个空闲端口再关掉监听
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	check := &model.HealthCheck{
		ID:      "check-tcp",
		Type:    model.CheckTypeTCP,
		Target:  addr,
		Timeout: 2 * time.Second,
	}

	result := ExecuteProbe(context.Background(), check)
	assert.Equal(t, model.ProbeFailure, result.Outcome)
}

func TestExecuteProbe_Script(t *testing.T) {
	success := ExecuteProbe(context.Background(), &model.HealthCheck{
		ID:      "check-script",
		Type:    model.CheckTypeScript,
		Target:  "exit 0",
		Timeout: 2 * time.Second,
	})
	assert.Equal(t, model.ProbeSuccess, success.Outcome)

	// 退出码非0记为失败
	failure := ExecuteProbe(context.Background(), &model.HealthCheck{
		ID:      "check-script",
		Type:    model.CheckTypeScript,
		Target:  "exit 2",
		Timeout: 2 * time.Second,
	})
	assert.Equal(t, model.ProbeFailure, failure.Outcome)
	assert.Contains(t, failure.Detail, "2")
}

func TestExecuteProbe_UnknownType(t *testing.T) {
	result := ExecuteProbe(context.Background(), &model.HealthCheck{
		ID:      "check-x",
		Type:    model.CheckType("grpc"),
		Target:  "localhost:9000",
		Timeout: time.Second,
	})
	assert.Equal(t, model.ProbeError, result.Outcome)
}
