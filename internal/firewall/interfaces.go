package firewall

import (
	"context"
	"net/netip"
	"strings"
)

// AddressSource reports the addresses configured on a network device.
type AddressSource interface {
	InterfaceAddrs(ctx context.Context, device string) ([]netip.Prefix, error)
}

// interfaceDevices resolves logical interface names to devices. "!name"
// selects every configured device except name's device, so other logical
// names bound to that same device are excluded as well.
func (p *pass) interfaceDevices(raw string) ([]string, error) {
	set := make(map[string]struct{})
	tokens := splitList(raw)
	if len(tokens) == 0 {
		return nil, policyErrorf(ErrUnknownInterface, "empty interface list")
	}
	for _, tok := range tokens {
		if excluded, ok := strings.CutPrefix(tok, "!"); ok {
			skip, found := p.interfaces[excluded]
			if !found {
				p.warn("excluded interface is not configured", "interface", excluded, "spec", raw)
			}
			for _, device := range p.interfaces {
				if found && device == skip {
					continue
				}
				set[device] = struct{}{}
			}
			continue
		}
		device, ok := p.interfaces[tok]
		if !ok {
			return nil, policyErrorf(ErrUnknownInterface, "interface %q is not configured", tok)
		}
		set[device] = struct{}{}
	}
	return sortedSet(set), nil
}

// deviceAddrs returns the IPv4 prefixes of devices in device order. Query
// failures and non-IPv4 addresses only warn.
func (p *pass) deviceAddrs(devices []string) []netip.Prefix {
	var out []netip.Prefix
	for _, dev := range devices {
		if p.env.Addresses == nil {
			p.warn("no address source configured", "device", dev)
			continue
		}
		prefixes, err := p.env.Addresses.InterfaceAddrs(p.ctx, dev)
		if err != nil {
			p.warn("cannot determine interface addresses", "device", dev, "error", err)
			continue
		}
		for _, pfx := range prefixes {
			if !pfx.Addr().Unmap().Is4() {
				p.logger.Debug("ignoring non-IPv4 interface address", "device", dev, "address", pfx.String())
				continue
			}
			out = append(out, netip.PrefixFrom(pfx.Addr().Unmap(), pfx.Bits()))
		}
	}
	return out
}

// interfaceNetworks returns the masked networks of devices, de-duplicated.
func (p *pass) interfaceNetworks(devices []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, pfx := range p.deviceAddrs(devices) {
		s := pfx.Masked().String()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// interfaceAddresses returns the addresses of devices, de-duplicated.
func (p *pass) interfaceAddresses(devices []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, pfx := range p.deviceAddrs(devices) {
		s := pfx.Addr().String()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
