package sdk

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Renew 发送一次续约
func (c *Client) Renew(ctx context.Context) error {
	if !c.isRegistered {
		return fmt.Errorf("实例尚未注册")
	}

	_, err := c.doRequest(ctx, http.MethodPut, "/registry/instances/"+c.instanceID+"/renew", nil)
	if err != nil {
		return fmt.Errorf("续约失败: %w", err)
	}

	return nil
}

// StartRenewal 启动后台续约循环
// 续约周期默认为TTL的三分之一，单次失败只记录日志，下个周期重试
func (c *Client) StartRenewal() {
	c.StopRenewal()
	c.stopChan = make(chan struct{})

	interval := c.config.RenewInterval
	if interval <= 0 {
		if ttl, err := time.ParseDuration(c.config.TTL); err == nil && ttl > 0 {
			interval = ttl / 3
		} else {
			interval = 10 * time.Second
		}
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
				if err := c.Renew(ctx); err != nil {
					log.Printf("续约失败: %v, 将在下一个周期重试", err)
				}
				cancel()
			case <-c.stopChan:
				return
			}
		}
	}()
}

// StopRenewal 停止续约循环
func (c *Client) StopRenewal() {
	if c.stopChan != nil {
		close(c.stopChan)
		c.stopChan = nil
	}
}

// Close 停止续约并注销实例
func (c *Client) Close(ctx context.Context) error {
	c.StopRenewal()

	if c.isRegistered {
		if err := c.Deregister(ctx); err != nil {
			return fmt.Errorf("注销实例失败: %w", err)
		}
	}

	return nil
}
