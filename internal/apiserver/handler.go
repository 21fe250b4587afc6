package apiserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/fleet-registry/internal/core/config"
	"github.com/hewenyu/fleet-registry/internal/core/model"
	"github.com/hewenyu/fleet-registry/internal/discovery"
	"github.com/hewenyu/fleet-registry/internal/monitoring"
	"github.com/hewenyu/fleet-registry/internal/registry"
	"github.com/hewenyu/fleet-registry/internal/store/catalog"
)

// Handler 处理注册、发现、健康和监控相关的HTTP请求
type Handler struct {
	reg    *registry.Registry
	disc   *discovery.Client
	mon    *monitoring.Monitor
	logger config.Logger
}

// NewHandler 创建API处理器
func NewHandler(reg *registry.Registry, disc *discovery.Client, mon *monitoring.Monitor, logger config.Logger) *Handler {
	return &Handler{
		reg:    reg,
		disc:   disc,
		mon:    mon,
		logger: logger,
	}
}

// RegisterRoutes 注册API路由
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// 进程自身的存活检查端点
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
			"service":   "fleet-registry",
		})
	})

	// 注册API
	e.POST("/registry/instances", h.registerInstance)
	e.PUT("/registry/instances/:id/renew", h.renewInstance)
	e.DELETE("/registry/instances/:id", h.deregisterInstance)

	// 发现API
	e.GET("/discovery", h.discover)

	// 健康API
	e.GET("/health/instances/:id", h.instanceHealth)

	// 监控API
	e.GET("/monitoring/dashboard", h.dashboard)
	e.GET("/monitoring/alerts", h.alerts)
}

// 返回成功响应
func successResponse(code int, message string, data interface{}) *model.ApiResponse {
	return &model.ApiResponse{Code: code, Message: message, Data: data}
}

// 返回错误响应
func errorResponse(code int, message string) *model.ApiResponse {
	return &model.ApiResponse{Code: code, Message: message}
}

// writeError 将内部错误映射到HTTP状态码
func writeError(c echo.Context, err error) error {
	switch {
	case catalog.IsInvalidArgument(err):
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, err.Error()))
	case catalog.IsNotFound(err):
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, err.Error()))
	case errors.Is(err, discovery.ErrNoHealthyInstance):
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, err.Error()))
	case catalog.IsUnavailable(err):
		return c.JSON(http.StatusServiceUnavailable, errorResponse(http.StatusServiceUnavailable, err.Error()))
	default:
		return c.JSON(http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, err.Error()))
	}
}

// registerInstance 处理实例注册请求
func (h *Handler) registerInstance(c echo.Context) error {
	req := new(model.RegistrationRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的请求参数: "+err.Error()))
	}

	instance, err := h.reg.Register(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, successResponse(http.StatusCreated, "实例注册成功", &model.RegistrationResponse{
		InstanceID:   instance.ID,
		ServiceName:  instance.ServiceName,
		RegisteredAt: instance.RegisteredAt,
	}))
}

// renewInstance 处理实例续约请求
func (h *Handler) renewInstance(c echo.Context) error {
	instanceID := c.Param("id")
	if instanceID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "实例ID不能为空"))
	}

	instance, err := h.reg.Renew(c.Request().Context(), instanceID)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "续约成功", &model.RenewResponse{
		InstanceID:    instance.ID,
		LastRenewedAt: instance.LastRenewedAt,
	}))
}

// deregisterInstance 处理实例注销请求，幂等
func (h *Handler) deregisterInstance(c echo.Context) error {
	instanceID := c.Param("id")
	if instanceID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "实例ID不能为空"))
	}

	if err := h.reg.Deregister(c.Request().Context(), instanceID); err != nil {
		return writeError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}

// discover 处理发现查询
// 带strategy参数时返回单个选择结果，否则返回过滤后的实例列表
func (h *Handler) discover(c echo.Context) error {
	serviceName := c.QueryParam("serviceName")
	if serviceName == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "serviceName不能为空"))
	}

	var tags []string
	if raw := c.QueryParam("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}

	if rawStrategy := c.QueryParam("strategy"); rawStrategy != "" {
		strategy, err := discovery.ParseStrategy(rawStrategy)
		if err != nil {
			return writeError(c, err)
		}

		selection, err := h.disc.Select(c.Request().Context(), serviceName, tags, strategy)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, successResponse(http.StatusOK, "选择成功", selection))
	}

	onlyHealthy := c.QueryParam("onlyHealthy") == "true"
	result, err := h.disc.Discover(c.Request().Context(), serviceName, tags, onlyHealthy)
	if err != nil {
		return writeError(c, err)
	}

	if len(result.Instances) == 0 {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "没有符合条件的实例"))
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", result))
}

// instanceHealth 返回实例的健康状态及其全部检查
func (h *Handler) instanceHealth(c echo.Context) error {
	instanceID := c.Param("id")
	if instanceID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "实例ID不能为空"))
	}

	ctx := c.Request().Context()
	instance, err := h.reg.Store().GetInstance(ctx, instanceID)
	if err != nil {
		return writeError(c, err)
	}

	checks, err := h.reg.Store().ListChecksByInstance(ctx, instanceID)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", &model.InstanceHealthResponse{
		InstanceID: instance.ID,
		Health:     instance.Health,
		Checks:     checks,
	}))
}

// dashboard 返回监控视图快照
func (h *Handler) dashboard(c echo.Context) error {
	snapshot, err := h.mon.Snapshot(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", snapshot))
}

// alerts 返回告警列表，支持status=open|resolved过滤
func (h *Handler) alerts(c echo.Context) error {
	status := monitoring.AlertStatus(c.QueryParam("status"))
	switch status {
	case monitoring.AlertStatusOpen, monitoring.AlertStatusResolved:
	case "":
		status = monitoring.AlertStatusAll
	default:
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的status参数: "+string(status)))
	}

	alerts := h.mon.Alerts(status)
	h.logger.Debug("告警列表查询", zap.Int("count", len(alerts)), zap.String("status", string(status)))
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", alerts))
}
