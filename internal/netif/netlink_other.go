//go:build !linux

package netif

import (
	"context"
	"fmt"
	"net/netip"
	"runtime"
)

// NetlinkSource is unavailable outside Linux; use mock_interfaces instead.
type NetlinkSource struct{}

func NewNetlinkSource() *NetlinkSource { return &NetlinkSource{} }

func (s *NetlinkSource) InterfaceAddrs(_ context.Context, device string) ([]netip.Prefix, error) {
	return nil, fmt.Errorf("cannot read addresses of %s: netlink not supported on %s", device, runtime.GOOS)
}
