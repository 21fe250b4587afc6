package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// registrationRequest 与服务端注册API的请求体对应
type registrationRequest struct {
	ServiceName string            `json:"serviceName"`
	ID          string            `json:"id,omitempty"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	TTL         string            `json:"ttl,omitempty"`
}

// registrationData 注册响应中的实例信息
type registrationData struct {
	InstanceID  string `json:"instance_id"`
	ServiceName string `json:"service_name"`
}

// Register 注册当前实例
func (c *Client) Register(ctx context.Context) error {
	req := &registrationRequest{
		ServiceName: c.config.ServiceName,
		ID:          c.config.InstanceID,
		Host:        c.config.Host,
		Port:        c.config.Port,
		Tags:        c.config.Tags,
		Metadata:    c.config.Metadata,
		TTL:         c.config.TTL,
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/registry/instances", req)
	if err != nil {
		return fmt.Errorf("注册失败: %w", err)
	}

	var resp apiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("解析注册响应失败: %w", err)
	}

	var data registrationData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return fmt.Errorf("解析实例信息失败: %w", err)
	}

	c.instanceID = data.InstanceID
	c.isRegistered = true
	return nil
}

// Deregister 注销当前实例
func (c *Client) Deregister(ctx context.Context) error {
	if !c.isRegistered {
		return nil
	}

	_, err := c.doRequest(ctx, http.MethodDelete, "/registry/instances/"+c.instanceID, nil)
	if err != nil {
		return fmt.Errorf("注销失败: %w", err)
	}

	c.isRegistered = false
	return nil
}
