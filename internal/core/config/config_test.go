package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	// 不指定配置文件时使用默认值
	cfg, err := LoadConfig(writeTempConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, StoreBackendMemory, cfg.Store.Backend)
	assert.Equal(t, 30*time.Second, cfg.Registry.DefaultTTL)
	assert.Equal(t, 2, cfg.HealthCheck.SuccessThreshold)
	assert.Equal(t, 3, cfg.HealthCheck.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.HealthCheck.DefaultInterval)
	assert.Equal(t, 5*time.Second, cfg.HealthCheck.DefaultTimeout)
	assert.Equal(t, 5*time.Second, cfg.Monitoring.DashboardCache)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.False(t, cfg.DNS.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := writeTempConfig(t, `
store:
  backend: etcd
  etcd:
    endpoints:
      - "etcd-1:2379"
      - "etcd-2:2379"
registry:
  default_ttl: 45s
monitoring:
  rules:
    error_rate: 0.8
api:
  port: 9090
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, StoreBackendEtcd, cfg.Store.Backend)
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.Store.Etcd.Endpoints)
	assert.Equal(t, 45*time.Second, cfg.Registry.DefaultTTL)
	assert.Equal(t, 0.8, cfg.Monitoring.Rules.ErrorRate)
	assert.Equal(t, 9090, cfg.API.Port)

	// 未覆盖的字段仍取默认值
	assert.Equal(t, 10*time.Second, cfg.Registry.ReaperInterval)
}

func TestLoadConfig_RejectsUnknownField(t *testing.T) {
	// UnmarshalExact拒绝未知字段，配置拼写错误在加载时即暴露
	path := writeTempConfig(t, `
registry:
  default_tll: 45s
`)

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_Validation(t *testing.T) {
	// 不支持的存储后端
	_, err := LoadConfig(writeTempConfig(t, "store:\n  backend: mysql\n"))
	assert.Error(t, err)

	// 无效TTL
	_, err = LoadConfig(writeTempConfig(t, "registry:\n  default_ttl: -1s\n"))
	assert.Error(t, err)

	// 探测超时必须小于探测间隔
	_, err = LoadConfig(writeTempConfig(t, "healthcheck:\n  default_interval: 2s\n  default_timeout: 3s\n"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug", true)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	logger, err = NewLogger("info", false)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	// 无效级别报错
	_, err = NewLogger("verbose", false)
	assert.Error(t, err)
}
