package dnsserver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/fleet-registry/internal/core/config"
	"github.com/hewenyu/fleet-registry/internal/discovery"
)

// Server 基于DNS的发现接口
// 对 <service>.<domain> 的A/SRV查询返回健康实例，没有匹配时返回NXDOMAIN
// 只读路径，复用发现客户端的健康过滤
type Server struct {
	cfg        *config.Config
	disc       *discovery.Client
	logger     config.Logger
	udpServer  *dns.Server
	tcpServer  *dns.Server
	shutdownWg sync.WaitGroup
}

// NewServer 创建DNS发现服务
func NewServer(cfg *config.Config, disc *discovery.Client, logger config.Logger) *Server {
	return &Server{
		cfg:    cfg,
		disc:   disc,
		logger: logger,
	}
}

// Start 启动UDP和TCP两个DNS监听
func (s *Server) Start(ctx context.Context) error {
	handler := dns.NewServeMux()
	handler.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		s.handleRequest(ctx, w, r)
	})

	addr := fmt.Sprintf("%s:%d", s.cfg.DNS.ListenAddress, s.cfg.DNS.Port)

	s.udpServer = &dns.Server{
		Addr:         addr,
		Net:          "udp",
		Handler:      handler,
		UDPSize:      65535,
		ReadTimeout:  s.cfg.DNS.Timeout,
		WriteTimeout: s.cfg.DNS.Timeout,
	}

	s.shutdownWg.Add(1)
	go func() {
		defer s.shutdownWg.Done()
		s.logger.Info("启动UDP DNS服务器", zap.String("address", addr))
		if err := s.udpServer.ListenAndServe(); err != nil {
			s.logger.Error("UDP DNS服务器异常退出", zap.Error(err))
		}
	}()

	s.tcpServer = &dns.Server{
		Addr:         addr,
		Net:          "tcp",
		Handler:      handler,
		ReadTimeout:  s.cfg.DNS.Timeout,
		WriteTimeout: s.cfg.DNS.Timeout,
	}

	s.shutdownWg.Add(1)
	go func() {
		defer s.shutdownWg.Done()
		s.logger.Info("启动TCP DNS服务器", zap.String("address", addr))
		if err := s.tcpServer.ListenAndServe(); err != nil {
			s.logger.Error("TCP DNS服务器异常退出", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止DNS服务器
func (s *Server) Stop() error {
	var errs []error

	if s.udpServer != nil {
		if err := s.udpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("关闭UDP服务器失败: %w", err))
		}
	}

	if s.tcpServer != nil {
		if err := s.tcpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("关闭TCP服务器失败: %w", err))
		}
	}

	s.shutdownWg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("停止DNS服务器时发生错误: %v", errs)
	}

	return nil
}

// handleRequest 处理DNS查询请求
func (s *Server) handleRequest(ctx context.Context, w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	for _, q := range r.Question {
		serviceName, ok := s.parseServiceName(q.Name)
		if !ok {
			continue
		}

		s.logger.Debug("收到DNS查询",
			zap.String("name", q.Name),
			zap.String("type", dns.TypeToString[q.Qtype]),
			zap.String("service", serviceName))

		switch q.Qtype {
		case dns.TypeA:
			s.answerA(ctx, m, q, serviceName)
		case dns.TypeSRV:
			s.answerSRV(ctx, m, q, serviceName)
		}
	}

	if len(m.Answer) == 0 {
		m.Rcode = dns.RcodeNameError
	}

	if err := w.WriteMsg(m); err != nil {
		s.logger.Error("写DNS响应失败", zap.Error(err))
	}
}

// parseServiceName 从查询域名解析服务名
// 域名形如 <service>.<domain>. ，不匹配配置域名后缀时返回false
func (s *Server) parseServiceName(qname string) (string, bool) {
	name := strings.TrimSuffix(dns.Fqdn(qname), ".")
	suffix := "." + s.cfg.DNS.Domain

	if !strings.HasSuffix(name, suffix) {
		return "", false
	}

	serviceName := strings.TrimSuffix(name, suffix)
	if serviceName == "" || strings.Contains(serviceName, ".") {
		return "", false
	}

	return serviceName, true
}

// answerA 为健康实例生成A记录，非IP地址的实例跳过
func (s *Server) answerA(ctx context.Context, m *dns.Msg, q dns.Question, serviceName string) {
	result, err := s.disc.Discover(ctx, serviceName, nil, true)
	if err != nil {
		s.logger.Error("DNS查询读取目录失败", zap.String("service", serviceName), zap.Error(err))
		return
	}

	for _, instance := range result.Instances {
		ip := net.ParseIP(instance.Host)
		if ip == nil || ip.To4() == nil {
			continue
		}

		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    s.cfg.DNS.TTL,
			},
			A: ip.To4(),
		})
	}
}

// answerSRV 为健康实例生成SRV记录，附带端口信息
func (s *Server) answerSRV(ctx context.Context, m *dns.Msg, q dns.Question, serviceName string) {
	result, err := s.disc.Discover(ctx, serviceName, nil, true)
	if err != nil {
		s.logger.Error("DNS查询读取目录失败", zap.String("service", serviceName), zap.Error(err))
		return
	}

	for _, instance := range result.Instances {
		target := dns.Fqdn(instance.Host)

		m.Answer = append(m.Answer, &dns.SRV{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeSRV,
				Class:  dns.ClassINET,
				Ttl:    s.cfg.DNS.TTL,
			},
			Priority: 0,
			Weight:   1,
			Port:     uint16(instance.Port),
			Target:   target,
		})
	}
}
