package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockRegistry 模拟注册中心的注册/续约/注销端点
func newMockRegistry(t *testing.T) (*httptest.Server, *int32, *int32) {
	t.Helper()
	var renews, deregisters int32

	mux := http.NewServeMux()
	mux.HandleFunc("/registry/instances", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code":    201,
			"message": "实例注册成功",
			"data": map[string]string{
				"instance_id":  "inst-123",
				"service_name": "worker-openai",
			},
		})
	})
	mux.HandleFunc("/registry/instances/inst-123/renew", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&renews, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code":    200,
			"message": "续约成功",
		})
	})
	mux.HandleFunc("/registry/instances/inst-123", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			atomic.AddInt32(&deregisters, 1)
			w.WriteHeader(http.StatusNoContent)
		}
	})

	return httptest.NewServer(mux), &renews, &deregisters
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{ServiceName: "worker-openai"})
	assert.Error(t, err)

	_, err = NewClient(Config{RegistryURL: "http://localhost:8080"})
	assert.Error(t, err)

	client, err := NewClient(Config{
		RegistryURL: "http://localhost:8080",
		ServiceName: "worker-openai",
	})
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestClient_RegisterRenewDeregister(t *testing.T) {
	server, renews, deregisters := newMockRegistry(t)
	defer server.Close()

	client, err := NewClient(Config{
		RegistryURL: server.URL,
		ServiceName: "worker-openai",
		Host:        "192.168.1.100",
		Port:        8080,
		TTL:         "30s",
	})
	require.NoError(t, err)
	ctx := context.Background()

	// 注册后拿到服务端分配的实例ID
	require.NoError(t, client.Register(ctx))
	assert.Equal(t, "inst-123", client.InstanceID())

	require.NoError(t, client.Renew(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(renews))

	require.NoError(t, client.Deregister(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(deregisters))

	// 注销后的重复注销是无操作
	require.NoError(t, client.Deregister(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(deregisters))
}

func TestClient_RenewBeforeRegister(t *testing.T) {
	client, err := NewClient(Config{
		RegistryURL: "http://localhost:8080",
		ServiceName: "worker-openai",
	})
	require.NoError(t, err)

	assert.Error(t, client.Renew(context.Background()))
}

func TestClient_BackgroundRenewal(t *testing.T) {
	server, renews, deregisters := newMockRegistry(t)
	defer server.Close()

	client, err := NewClient(Config{
		RegistryURL:   server.URL,
		ServiceName:   "worker-openai",
		Host:          "192.168.1.100",
		Port:          8080,
		TTL:           "30s",
		RenewInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, client.Register(ctx))
	client.StartRenewal()

	// 后台循环按周期续约
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(renews) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	// Close停止续约并注销
	require.NoError(t, client.Close(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(deregisters))
}
