package main

import (
	"context"
	"net"

	"go.uber.org/zap"
)

// NetworkProvisioner 在網路介面上管理模擬器的綁定 IP
type NetworkProvisioner interface {
	// Setup 建立虛擬 IP，回傳實際可用的 IP (含原本已存在者)
	Setup(ctx context.Context, ranges []IPRange) ([]net.IP, error)

	// Teardown 移除範圍內的虛擬 IP
	Teardown(ctx context.Context, ranges []IPRange) error

	// List 列出介面上的 IPv4 位址
	List(ctx context.Context) ([]net.IP, error)

	// Validate 驗證 IP 範圍
	Validate(ranges []IPRange) error
}

// NewNetworkProvisioner 建立網路配置器
func NewNetworkProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return newPlatformProvisioner(interfaceName, logger)
}

// BaseProvisioner 基礎配置器 (共用邏輯)
type BaseProvisioner struct {
	InterfaceName string
	Logger        *zap.Logger
}

// Validate 驗證 IP 範圍
func (p *BaseProvisioner) Validate(ranges []IPRange) error {
	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// expandAllRanges 驗證並展開所有 IP 範圍
func (p *BaseProvisioner) expandAllRanges(ranges []IPRange) ([]net.IP, error) {
	if err := p.Validate(ranges); err != nil {
		return nil, err
	}
	return expandRanges(ranges)
}

// hostMask 虛擬 IP 一律以單一主機位址加入
func hostMask(ip net.IP) net.IPMask {
	if ip.To4() != nil {
		return net.CIDRMask(32, 32)
	}
	return net.CIDRMask(128, 128)
}
