package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/fleet-registry/internal/apiserver"
	"github.com/hewenyu/fleet-registry/internal/core/config"
	"github.com/hewenyu/fleet-registry/internal/discovery"
	"github.com/hewenyu/fleet-registry/internal/dnsserver"
	"github.com/hewenyu/fleet-registry/internal/healthcheck"
	"github.com/hewenyu/fleet-registry/internal/monitoring"
	"github.com/hewenyu/fleet-registry/internal/registry"
	"github.com/hewenyu/fleet-registry/internal/store/catalog"
	"github.com/hewenyu/fleet-registry/internal/store/etcd"
	"github.com/hewenyu/fleet-registry/internal/store/redis"
)

var configFile string

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err := config.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Fleet Registry Starting...",
		zap.String("store_backend", cfg.Store.Backend),
		zap.Int("api_port", cfg.API.Port),
		zap.Bool("dns_enabled", cfg.DNS.Enabled),
	)

	// 初始化目录存储
	store, err := newStore(cfg, logger)
	if err != nil {
		logger.Error("初始化目录存储失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("关闭目录存储失败", zap.Error(err))
		}
	}()

	// 创建上下文，用于优雅关闭后台任务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 事件总线与注册中心
	bus := registry.NewEventBus(cfg.Monitoring.EventBuffer)
	reg := registry.New(store, bus, logger, cfg.Registry.DefaultTTL, registry.CheckDefaults{
		Interval:         cfg.HealthCheck.DefaultInterval,
		Timeout:          cfg.HealthCheck.DefaultTimeout,
		SuccessThreshold: cfg.HealthCheck.SuccessThreshold,
		FailureThreshold: cfg.HealthCheck.FailureThreshold,
	})
	reg.StartReaper(ctx, cfg.Registry.ReaperInterval)

	// 健康检查引擎
	engine := healthcheck.NewEngine(reg, logger, cfg.HealthCheck.SyncInterval)
	engine.Start(ctx)

	// 发现客户端
	disc := discovery.NewClient(store, logger, cfg.Discovery.CacheTTL)

	// 监控与告警
	mon := monitoring.NewMonitor(store, bus, logger, monitoring.Rules{
		CriticalDuration: cfg.Monitoring.Rules.CriticalDuration,
		ErrorRate:        cfg.Monitoring.Rules.ErrorRate,
		LatencyMs:        cfg.Monitoring.Rules.LatencyMs,
		CatalogDropRatio: cfg.Monitoring.Rules.CatalogDropRatio,
	}, cfg.Monitoring.EvaluationInterval, cfg.Monitoring.DashboardCache)
	mon.Start(ctx)

	// 启动HTTP API服务
	apiServer := apiserver.NewServer(cfg, logger, reg, disc, mon)
	if err := apiServer.Start(); err != nil {
		logger.Error("启动API服务失败", zap.Error(err))
		os.Exit(1)
	}

	// 按需启动DNS发现服务
	var dnsServer *dnsserver.Server
	if cfg.DNS.Enabled {
		dnsServer = dnsserver.NewServer(cfg, disc, logger)
		if err := dnsServer.Start(ctx); err != nil {
			logger.Error("启动DNS服务失败", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("服务已启动",
		zap.String("api_addr", fmt.Sprintf("%s:%d", cfg.API.ListenAddress, cfg.API.Port)),
	)

	// 等待终止信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("接收到关闭信号，正在优雅关闭...", zap.String("signal", sig.String()))

	// 停止后台任务
	cancel()
	engine.Stop()
	mon.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("关闭API服务失败", zap.Error(err))
		}
	}()
	if dnsServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dnsServer.Stop(); err != nil {
				logger.Warn("关闭DNS服务失败", zap.Error(err))
			}
		}()
	}
	wg.Wait()

	logger.Info("服务已关闭")
}

// newStore 按配置选择目录存储后端
func newStore(cfg *config.Config, logger config.Logger) (catalog.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		return catalog.NewMemoryStore(), nil
	case config.StoreBackendEtcd:
		client, err := etcd.NewClient(&etcd.ClientConfig{
			Endpoints:      cfg.Store.Etcd.Endpoints,
			Username:       cfg.Store.Etcd.Username,
			Password:       cfg.Store.Etcd.Password,
			DialTimeout:    cfg.Store.Etcd.DialTimeout,
			RequestTimeout: cfg.Store.Etcd.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		// 启动前验证etcd连通性
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer pingCancel()
		if err := client.Ping(pingCtx); err != nil {
			client.Close()
			return nil, fmt.Errorf("etcd健康检查失败: %w", err)
		}
		logger.Info("etcd连接成功并通过健康检查")
		return etcd.NewCatalogStore(client), nil
	case config.StoreBackendRedis:
		return redis.NewCatalogStore(&redis.Config{
			Addr:           cfg.Store.Redis.Addr,
			Password:       cfg.Store.Redis.Password,
			DB:             cfg.Store.Redis.DB,
			RequestTimeout: cfg.Store.Redis.RequestTimeout,
		})
	default:
		return nil, fmt.Errorf("不支持的存储后端: %s", cfg.Store.Backend)
	}
}
