//go:build linux

package netif

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/timewall/internal/logging"
)

// Netlinker abstracts the netlink calls used to read device addresses.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
}

type realNetlinker struct{}

func (realNetlinker) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

func (realNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}

// NetlinkSource reads addresses from the kernel.
type NetlinkSource struct {
	nl     Netlinker
	logger *logging.Logger
}

// NewNetlinkSource creates a source backed by the running kernel.
func NewNetlinkSource() *NetlinkSource {
	return NewNetlinkSourceWith(realNetlinker{})
}

// NewNetlinkSourceWith creates a source using nl, for tests.
func NewNetlinkSourceWith(nl Netlinker) *NetlinkSource {
	return &NetlinkSource{nl: nl, logger: logging.WithComponent("netif")}
}

// InterfaceAddrs implements firewall.AddressSource.
func (s *NetlinkSource) InterfaceAddrs(ctx context.Context, device string) ([]netip.Prefix, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	link, err := s.nl.LinkByName(device)
	if err != nil {
		return nil, fmt.Errorf("unknown interface %s: %w", device, err)
	}
	addrs, err := s.nl.AddrList(link, unix.AF_INET)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses of %s: %w", device, err)
	}

	out := make([]netip.Prefix, 0, len(addrs))
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		ones, _ := a.Mask.Size()
		out = append(out, netip.PrefixFrom(ip.Unmap(), ones))
	}
	s.logger.Debug("read addresses", "device", device, "count", len(out))
	return out, nil
}
