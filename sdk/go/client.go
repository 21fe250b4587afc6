// Package sdk 提供AI提供方工作实例接入注册中心的客户端
// 工作实例在启动时注册，周期性续约，退出时注销
// 刻意不依赖服务端的任何包，workers不必继承服务端的依赖栈
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config 表示SDK客户端配置
type Config struct {
	// RegistryURL 注册中心地址，如 http://localhost:8080
	RegistryURL string
	// ServiceName 服务名
	ServiceName string
	// InstanceID 实例ID，为空时由注册中心生成
	InstanceID string
	// Host 实例地址
	Host string
	// Port 实例端口
	Port int
	// Tags 能力标签，如 "provider:openai"
	Tags []string
	// Metadata 元数据，探测目标通过 check.http / check.tcp / check.script 声明
	Metadata map[string]string
	// TTL 续约间隔上限，如 "30s"
	TTL string
	// RenewInterval 续约周期，默认为TTL的三分之一
	RenewInterval time.Duration
	// Timeout 单次请求超时
	Timeout time.Duration
}

// Client 注册中心客户端
type Client struct {
	config       Config
	httpClient   *http.Client
	instanceID   string
	isRegistered bool
	stopChan     chan struct{}
}

// apiResponse 服务端通用响应包装
type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewClient 创建注册中心客户端
func NewClient(config Config) (*Client, error) {
	if config.RegistryURL == "" {
		return nil, fmt.Errorf("注册中心地址不能为空")
	}
	if config.ServiceName == "" {
		return nil, fmt.Errorf("服务名不能为空")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// InstanceID 返回注册后的实例ID
func (c *Client) InstanceID() string {
	return c.instanceID
}

// doRequest 执行一次HTTP请求并返回响应体
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.RegistryURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求执行失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("注册中心返回错误 [%d]: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}
