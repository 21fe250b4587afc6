package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 目录存储后端枚举
const (
	StoreBackendMemory = "memory"
	StoreBackendEtcd   = "etcd"
	StoreBackendRedis  = "redis"
)

// Config 应用程序配置结构
type Config struct {
	// 目录存储配置
	Store struct {
		Backend string `mapstructure:"backend"` // "memory"、"etcd" 或 "redis"

		Etcd struct {
			Endpoints      []string      `mapstructure:"endpoints"`
			Username       string        `mapstructure:"username"`
			Password       string        `mapstructure:"password"`
			DialTimeout    time.Duration `mapstructure:"dial_timeout"`
			RequestTimeout time.Duration `mapstructure:"request_timeout"`
		} `mapstructure:"etcd"`

		Redis struct {
			Addr           string        `mapstructure:"addr"`
			Password       string        `mapstructure:"password"`
			DB             int           `mapstructure:"db"`
			RequestTimeout time.Duration `mapstructure:"request_timeout"`
		} `mapstructure:"redis"`
	} `mapstructure:"store"`

	// 注册中心配置
	Registry struct {
		DefaultTTL     time.Duration `mapstructure:"default_ttl"`
		ReaperInterval time.Duration `mapstructure:"reaper_interval"`
	} `mapstructure:"registry"`

	// 健康检查配置
	HealthCheck struct {
		SyncInterval     time.Duration `mapstructure:"sync_interval"`
		DefaultInterval  time.Duration `mapstructure:"default_interval"`
		DefaultTimeout   time.Duration `mapstructure:"default_timeout"`
		SuccessThreshold int           `mapstructure:"success_threshold"`
		FailureThreshold int           `mapstructure:"failure_threshold"`
	} `mapstructure:"healthcheck"`

	// 发现客户端配置
	Discovery struct {
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"discovery"`

	// 监控告警配置
	Monitoring struct {
		EventBuffer        int           `mapstructure:"event_buffer"`
		EvaluationInterval time.Duration `mapstructure:"evaluation_interval"`
		DashboardCache     time.Duration `mapstructure:"dashboard_cache"`

		Rules struct {
			CriticalDuration time.Duration `mapstructure:"critical_duration"`
			ErrorRate        float64       `mapstructure:"error_rate"`
			LatencyMs        float64       `mapstructure:"latency_ms"`
			CatalogDropRatio float64       `mapstructure:"catalog_drop_ratio"`
		} `mapstructure:"rules"`
	} `mapstructure:"monitoring"`

	// HTTP API服务配置
	API struct {
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// DNS发现服务配置
	DNS struct {
		Enabled       bool          `mapstructure:"enabled"`
		ListenAddress string        `mapstructure:"listen_address"`
		Port          int           `mapstructure:"port"`
		Domain        string        `mapstructure:"domain"`
		TTL           uint32        `mapstructure:"ttl"`
		Timeout       time.Duration `mapstructure:"timeout"`
	} `mapstructure:"dns"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
// 使用UnmarshalExact，未知字段在加载时即被拒绝，避免配置拼写错误静默生效
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/fleet-registry")
	}

	// 配置文件格式
	v.SetConfigType("yaml")

	// 尝试从配置文件加载
	if err := v.ReadInConfig(); err != nil {
		// 如果找不到配置文件，仅使用默认值；其他错误则返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("FLEET_REGISTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.UnmarshalExact(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	// 进行配置验证
	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// 目录存储默认配置
	v.SetDefault("store.backend", StoreBackendMemory)
	v.SetDefault("store.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("store.etcd.username", "")
	v.SetDefault("store.etcd.password", "")
	v.SetDefault("store.etcd.dial_timeout", "5s")
	v.SetDefault("store.etcd.request_timeout", "3s")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.request_timeout", "3s")

	// 注册中心默认配置
	v.SetDefault("registry.default_ttl", "30s")
	v.SetDefault("registry.reaper_interval", "10s")

	// 健康检查默认配置
	v.SetDefault("healthcheck.sync_interval", "5s")
	v.SetDefault("healthcheck.default_interval", "10s")
	v.SetDefault("healthcheck.default_timeout", "5s")
	v.SetDefault("healthcheck.success_threshold", 2)
	v.SetDefault("healthcheck.failure_threshold", 3)

	// 发现客户端默认配置
	v.SetDefault("discovery.cache_ttl", "5s")

	// 监控默认配置
	v.SetDefault("monitoring.event_buffer", 1024)
	v.SetDefault("monitoring.evaluation_interval", "10s")
	v.SetDefault("monitoring.dashboard_cache", "5s")
	v.SetDefault("monitoring.rules.critical_duration", "30s")
	v.SetDefault("monitoring.rules.error_rate", 0.5)
	v.SetDefault("monitoring.rules.latency_ms", 2000.0)
	v.SetDefault("monitoring.rules.catalog_drop_ratio", 0.5)

	// API服务默认配置
	v.SetDefault("api.listen_address", "0.0.0.0")
	v.SetDefault("api.port", 8080)

	// DNS服务默认配置
	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 8053)
	v.SetDefault("dns.domain", "fleet.local")
	v.SetDefault("dns.ttl", 10)
	v.SetDefault("dns.timeout", "5s")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// validateConfig 验证配置有效性
func validateConfig(config *Config) error {
	// 存储后端验证
	switch config.Store.Backend {
	case StoreBackendMemory, StoreBackendEtcd, StoreBackendRedis:
	default:
		return fmt.Errorf("不支持的存储后端: %s", config.Store.Backend)
	}
	if config.Store.Backend == StoreBackendEtcd && len(config.Store.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd端点不能为空")
	}
	if config.Store.Backend == StoreBackendRedis && config.Store.Redis.Addr == "" {
		return fmt.Errorf("redis地址不能为空")
	}

	// 注册中心验证
	if config.Registry.DefaultTTL <= 0 {
		return fmt.Errorf("默认TTL必须大于0: %v", config.Registry.DefaultTTL)
	}
	if config.Registry.ReaperInterval <= 0 {
		return fmt.Errorf("回收间隔必须大于0: %v", config.Registry.ReaperInterval)
	}

	// 健康检查验证
	if config.HealthCheck.SuccessThreshold <= 0 || config.HealthCheck.FailureThreshold <= 0 {
		return fmt.Errorf("健康检查阈值必须大于0")
	}
	if config.HealthCheck.DefaultTimeout >= config.HealthCheck.DefaultInterval {
		return fmt.Errorf("探测超时时间必须小于探测间隔")
	}

	// 监控验证
	if config.Monitoring.EventBuffer <= 0 {
		return fmt.Errorf("事件缓冲区大小必须大于0: %d", config.Monitoring.EventBuffer)
	}
	if config.Monitoring.EvaluationInterval <= 0 {
		return fmt.Errorf("告警评估间隔必须大于0: %v", config.Monitoring.EvaluationInterval)
	}
	if config.Monitoring.Rules.ErrorRate <= 0 || config.Monitoring.Rules.ErrorRate > 1 {
		return fmt.Errorf("错误率阈值必须在(0,1]区间: %v", config.Monitoring.Rules.ErrorRate)
	}

	// API服务验证
	if config.API.Port <= 0 || config.API.Port > 65535 {
		return fmt.Errorf("API端口配置无效: %d", config.API.Port)
	}

	// DNS服务验证
	if config.DNS.Enabled {
		if config.DNS.Port <= 0 || config.DNS.Port > 65535 {
			return fmt.Errorf("DNS端口配置无效: %d", config.DNS.Port)
		}
		if config.DNS.Domain == "" {
			return fmt.Errorf("DNS域名后缀不能为空")
		}
	}

	return nil
}
