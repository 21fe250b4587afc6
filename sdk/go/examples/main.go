package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdk "github.com/hewenyu/fleet-registry/sdk/go"
)

func main() {
	// 配置SDK客户端：一个OpenAI工作实例，声明HTTP探测目标
	config := sdk.Config{
		RegistryURL: "http://localhost:8080",
		ServiceName: "worker-openai",
		Host:        "127.0.0.1",
		Port:        8000,
		Tags:        []string{"provider:openai", "region:us"},
		Metadata: map[string]string{
			"check.http": "http://127.0.0.1:8000/healthz",
			"weight":     "10",
		},
		TTL:     "30s",
		Timeout: 5 * time.Second,
	}

	client, err := sdk.NewClient(config)
	if err != nil {
		log.Fatalf("创建SDK客户端失败: %v", err)
	}

	// 注册实例
	ctx := context.Background()
	if err := client.Register(ctx); err != nil {
		log.Fatalf("实例注册失败: %v", err)
	}
	log.Printf("实例注册成功，实例ID: %s", client.InstanceID())

	// 启动后台续约，默认周期为TTL的三分之一
	client.StartRenewal()
	log.Println("续约任务已启动")

	// 等待终止信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	log.Println("实例已上线，按Ctrl+C退出...")
	<-quit

	// 优雅关闭：停止续约并注销
	log.Println("正在下线...")
	if err := client.Close(ctx); err != nil {
		log.Printf("关闭SDK客户端失败: %v", err)
	}
	log.Println("实例已下线")
}
