package apiserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/fleet-registry/internal/core/config"
	"github.com/hewenyu/fleet-registry/internal/discovery"
	"github.com/hewenyu/fleet-registry/internal/monitoring"
	"github.com/hewenyu/fleet-registry/internal/registry"
)

// Server 表示HTTP API服务
type Server struct {
	e       *echo.Echo
	host    string
	port    int
	logger  config.Logger
	handler *Handler
}

// NewServer 创建HTTP API服务
func NewServer(cfg *config.Config, logger config.Logger, reg *registry.Registry, disc *discovery.Client, mon *monitoring.Monitor) *Server {
	// 创建Echo实例
	e := echo.New()
	e.HideBanner = true

	// 添加中间件
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	handler := NewHandler(reg, disc, mon, logger)
	handler.RegisterRoutes(e)

	return &Server{
		e:       e,
		host:    cfg.API.ListenAddress,
		port:    cfg.API.Port,
		logger:  logger,
		handler: handler,
	}
}

// Start 以非阻塞方式启动服务
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.logger.Info("HTTP API服务启动", zap.String("address", addr))

	go func() {
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP API服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 优雅关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭HTTP API服务...")
	return s.e.Shutdown(ctx)
}
