package firewall

import (
	"context"
	"net/netip"
	"sort"
)

// HostResolver resolves a DNS name to addresses. An empty result is valid.
type HostResolver interface {
	LookupHost(ctx context.Context, name string) ([]string, error)
}

// resolveHostname expands a multi-valued host field into a sorted address
// set. Names in the hosts table resolve to their configured addresses,
// literals pass through, everything else goes to the resolver. Failures
// only warn.
func (p *pass) resolveHostname(raw string) []string {
	set := make(map[string]struct{})
	add := func(addrs ...string) {
		for _, a := range addrs {
			set[a] = struct{}{}
		}
	}

	if addrs, ok := p.hosts[raw]; ok {
		add(addrs...)
		return sortedSet(set)
	}

	for _, name := range splitList(raw) {
		if addrs, ok := p.hosts[name]; ok {
			add(addrs...)
			continue
		}
		if isAddressLiteral(name) {
			add(name)
			continue
		}
		if p.env.Resolver == nil {
			p.warn("no resolver configured, cannot resolve hostname", "host", name)
			continue
		}
		addrs, err := p.env.Resolver.LookupHost(p.ctx, name)
		if err != nil {
			p.warn("unable to resolve hostname", "host", name, "error", err)
			continue
		}
		if len(addrs) == 0 {
			p.warn("hostname resolved to no addresses", "host", name)
			continue
		}
		add(addrs...)
	}
	return sortedSet(set)
}

func isAddressLiteral(s string) bool {
	if _, err := netip.ParseAddr(s); err == nil {
		return true
	}
	_, err := netip.ParsePrefix(s)
	return err == nil
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
