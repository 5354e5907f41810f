//go:build !linux

package main

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// StubProvisioner 非 Linux 平台只記錄 IP，不實際配置
type StubProvisioner struct {
	BaseProvisioner

	mu         sync.Mutex
	configured map[string]net.IP
}

func newPlatformProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return &StubProvisioner{
		BaseProvisioner: BaseProvisioner{
			InterfaceName: interfaceName,
			Logger:        logger,
		},
		configured: make(map[string]net.IP),
	}
}

// Setup 設置虛擬 IP (stub)
func (p *StubProvisioner) Setup(ctx context.Context, ranges []IPRange) ([]net.IP, error) {
	ips, err := p.expandAllRanges(ranges)
	if err != nil {
		return nil, fmt.Errorf("展開 IP 範圍失敗: %w", err)
	}

	p.Logger.Warn("虛擬 IP 配置僅在 Linux 上支援，使用模擬模式",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(ips)),
	)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ip := range ips {
		p.configured[ip.String()] = ip
	}
	return ips, nil
}

// Teardown 移除虛擬 IP (stub)
func (p *StubProvisioner) Teardown(ctx context.Context, ranges []IPRange) error {
	ips, err := p.expandAllRanges(ranges)
	if err != nil {
		return fmt.Errorf("展開 IP 範圍失敗: %w", err)
	}

	p.Logger.Warn("虛擬 IP 移除僅在 Linux 上支援，使用模擬模式",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(ips)),
	)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ip := range ips {
		delete(p.configured, ip.String())
	}
	return nil
}

// List 列出本機 IPv4 位址與模擬配置的 IP (stub)
func (p *StubProvisioner) List(ctx context.Context) ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("取得本地 IP 失敗: %w", err)
	}

	var ips []net.IP
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				ips = append(ips, ipNet.IP)
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ip := range p.configured {
		ips = append(ips, ip)
	}

	return ips, nil
}
