//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// LinuxProvisioner Linux 網路配置器
type LinuxProvisioner struct {
	BaseProvisioner
}

func newPlatformProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return &LinuxProvisioner{
		BaseProvisioner: BaseProvisioner{
			InterfaceName: interfaceName,
			Logger:        logger,
		},
	}
}

func (p *LinuxProvisioner) link() (netlink.Link, error) {
	link, err := netlink.LinkByName(p.InterfaceName)
	if err != nil {
		return nil, fmt.Errorf("找不到網路介面 %s: %w", p.InterfaceName, err)
	}
	return link, nil
}

// Setup 設置虛擬 IP (使用 netlink)
func (p *LinuxProvisioner) Setup(ctx context.Context, ranges []IPRange) ([]net.IP, error) {
	ips, err := p.expandAllRanges(ranges)
	if err != nil {
		return nil, fmt.Errorf("展開 IP 範圍失敗: %w", err)
	}

	link, err := p.link()
	if err != nil {
		return nil, err
	}

	p.Logger.Info("正在設置虛擬 IP",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(ips)),
	)

	var configured []net.IP
	for _, ip := range ips {
		if err := ctx.Err(); err != nil {
			return configured, err
		}

		addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: hostMask(ip)}}
		if err := netlink.AddrAdd(link, addr); err != nil {
			// IP 已存在視為成功
			if errors.Is(err, syscall.EEXIST) {
				p.Logger.Debug("IP 已存在", zap.String("ip", ip.String()))
				configured = append(configured, ip)
				continue
			}
			p.Logger.Warn("添加 IP 失敗",
				zap.String("ip", ip.String()),
				zap.Error(err),
			)
			continue
		}

		configured = append(configured, ip)
		p.Logger.Debug("已添加 IP", zap.String("ip", ip.String()))
	}

	p.Logger.Info("虛擬 IP 設置完成",
		zap.Int("success", len(configured)),
		zap.Int("total", len(ips)),
	)

	return configured, nil
}

// Teardown 移除虛擬 IP
func (p *LinuxProvisioner) Teardown(ctx context.Context, ranges []IPRange) error {
	ips, err := p.expandAllRanges(ranges)
	if err != nil {
		return fmt.Errorf("展開 IP 範圍失敗: %w", err)
	}

	link, err := p.link()
	if err != nil {
		return err
	}

	p.Logger.Info("正在移除虛擬 IP",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(ips)),
	)

	removed := 0
	for _, ip := range ips {
		if err := ctx.Err(); err != nil {
			return err
		}

		addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: hostMask(ip)}}
		if err := netlink.AddrDel(link, addr); err != nil {
			// 不存在的 IP 直接略過
			if errors.Is(err, syscall.EADDRNOTAVAIL) {
				continue
			}
			p.Logger.Warn("移除 IP 失敗",
				zap.String("ip", ip.String()),
				zap.Error(err),
			)
			continue
		}

		removed++
		p.Logger.Debug("已移除 IP", zap.String("ip", ip.String()))
	}

	p.Logger.Info("虛擬 IP 移除完成", zap.Int("removed", removed))
	return nil
}

// List 列出已配置的 IP
func (p *LinuxProvisioner) List(ctx context.Context) ([]net.IP, error) {
	link, err := p.link()
	if err != nil {
		return nil, err
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("列出 IP 失敗: %w", err)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ips = append(ips, addr.IP)
	}

	return ips, nil
}
