// Package resolve provides the hostname resolvers the compiler consults for
// names that are not in the policy's hosts table.
package resolve

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"grimm.is/timewall/internal/firewall"
	"grimm.is/timewall/internal/logging"
	"grimm.is/timewall/internal/policy"
)

// Resolver kinds accepted in the "resolver" option.
const (
	KindSystem = "system"
	KindDNS    = "dns"
	KindStatic = "static"
)

// FromOptions builds the resolver selected by the document options.
func FromOptions(opts policy.Options) (firewall.HostResolver, error) {
	switch opts.Resolver {
	case "", KindSystem:
		return NewSystemResolver(opts.ResolverTimeout()), nil
	case KindDNS:
		return NewDNSResolver(opts.Nameserver, opts.ResolverTimeout())
	case KindStatic:
		return StaticResolver{}, nil
	}
	return nil, fmt.Errorf("unknown resolver %q", opts.Resolver)
}

// SystemResolver uses the platform resolver (hosts file, nsswitch, DNS).
// Only IPv4 addresses are returned.
type SystemResolver struct {
	resolver *net.Resolver
	timeout  time.Duration
	logger   *logging.Logger
}

// NewSystemResolver creates a resolver that gives up after timeout.
func NewSystemResolver(timeout time.Duration) *SystemResolver {
	return &SystemResolver{
		resolver: net.DefaultResolver,
		timeout:  timeout,
		logger:   logging.WithComponent("resolve"),
	}
}

// LookupHost implements firewall.HostResolver.
func (r *SystemResolver) LookupHost(ctx context.Context, name string) ([]string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	addrs, err := r.resolver.LookupNetIP(ctx, "ip4", name)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Unmap().String())
	}
	r.logger.Debug("resolved", "host", name, "addresses", len(out))
	return sortUnique(out), nil
}

// StaticResolver answers from a fixed table. Names are matched without
// case and without a trailing dot.
type StaticResolver map[string][]string

// LookupHost implements firewall.HostResolver.
func (s StaticResolver) LookupHost(_ context.Context, name string) ([]string, error) {
	addrs, ok := s[normalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("%s: not in static table", name)
	}
	return sortUnique(append([]string(nil), addrs...)), nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

func sortUnique(addrs []string) []string {
	sort.Strings(addrs)
	out := addrs[:0]
	for i, a := range addrs {
		if i == 0 || a != addrs[i-1] {
			out = append(out, a)
		}
	}
	return out
}
