// Package netif reports the IPv4 addresses configured on network devices,
// either live from the kernel or from captured `ip addr show` output.
package netif

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"

	"grimm.is/timewall/internal/firewall"
	"grimm.is/timewall/internal/logging"
	"grimm.is/timewall/internal/policy"
)

// ErrNoMockData is returned by a MockDirSource without fallback when no
// capture exists for a device.
var ErrNoMockData = errors.New("no captured address data")

// FromOptions returns the address source selected by the document options:
// the mock directory when mock_interfaces is set, netlink otherwise.
func FromOptions(opts policy.Options) firewall.AddressSource {
	live := NewNetlinkSource()
	if opts.MockInterfaces == "" {
		return live
	}
	return &MockDirSource{Dir: opts.MockInterfaces, Fallback: live}
}

// MockDirSource reads `ip addr show` captures from Dir. For device eth0 it
// tries "eth0" and then "ip_addr_show_eth0.txt". Devices without a capture
// are passed to Fallback.
type MockDirSource struct {
	Dir      string
	Fallback firewall.AddressSource
}

// InterfaceAddrs implements firewall.AddressSource.
func (m *MockDirSource) InterfaceAddrs(ctx context.Context, device string) ([]netip.Prefix, error) {
	for _, name := range []string{device, "ip_addr_show_" + device + ".txt"} {
		data, err := os.ReadFile(filepath.Join(m.Dir, filepath.Base(name)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return ParseIPAddrShow(device, string(data)), nil
	}

	if m.Fallback == nil {
		return nil, fmt.Errorf("%s: %w in %s", device, ErrNoMockData, m.Dir)
	}
	return m.Fallback.InterfaceAddrs(ctx, device)
}

var ipAddrRegex = regexp.MustCompile(`(?m)^\s+(inet6?)\s+([0-9A-Fa-f.:]+)/(\d+)`)

// ParseIPAddrShow extracts the IPv4 addresses from `ip addr show` output.
// IPv6 addresses are skipped.
func ParseIPAddrShow(device, output string) []netip.Prefix {
	logger := logging.WithComponent("netif")

	var out []netip.Prefix
	for _, m := range ipAddrRegex.FindAllStringSubmatch(output, -1) {
		if m[1] != "inet" {
			logger.Debug("ignoring non-IPv4 address", "device", device, "address", m[2])
			continue
		}
		p, err := netip.ParsePrefix(m[2] + "/" + m[3])
		if err != nil {
			logger.Warn("unparseable address", "device", device, "address", m[2], "error", err)
			continue
		}
		out = append(out, p)
	}
	return out
}
