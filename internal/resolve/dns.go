package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"grimm.is/timewall/internal/logging"
)

// ResolvConf is read when no nameserver is configured.
const ResolvConf = "/etc/resolv.conf"

const maxCNAMEDepth = 8

// ErrNoSuchHost is returned for NXDOMAIN answers.
var ErrNoSuchHost = errors.New("no such host")

// DNSResolver queries nameservers directly for A records, following CNAME
// chains.
type DNSResolver struct {
	udp     *dns.Client
	tcp     *dns.Client
	servers []string
	logger  *logging.Logger
}

// NewDNSResolver creates a resolver for nameserver (host:port). An empty
// nameserver means the servers listed in /etc/resolv.conf.
func NewDNSResolver(nameserver string, timeout time.Duration) (*DNSResolver, error) {
	var servers []string
	if nameserver != "" {
		servers = []string{nameserver}
	} else {
		cfg, err := dns.ClientConfigFromFile(ResolvConf)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", ResolvConf, err)
		}
		for _, s := range cfg.Servers {
			servers = append(servers, net.JoinHostPort(s, cfg.Port))
		}
		if len(servers) == 0 {
			return nil, fmt.Errorf("no nameservers in %s", ResolvConf)
		}
	}

	return &DNSResolver{
		udp:     &dns.Client{Net: "udp", Timeout: timeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: timeout},
		servers: servers,
		logger:  logging.WithComponent("resolve"),
	}, nil
}

// Servers returns the nameservers queried, in order.
func (r *DNSResolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

// LookupHost implements firewall.HostResolver.
func (r *DNSResolver) LookupHost(ctx context.Context, name string) ([]string, error) {
	qname := dns.Fqdn(name)
	for depth := 0; depth < maxCNAMEDepth; depth++ {
		msg := new(dns.Msg)
		msg.SetQuestion(qname, dns.TypeA)
		msg.RecursionDesired = true

		resp, err := r.exchange(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, fmt.Errorf("%s: %w", name, ErrNoSuchHost)
		default:
			return nil, fmt.Errorf("%s: server answered %s", name, dns.RcodeToString[resp.Rcode])
		}

		var addrs []string
		var cname string
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				addrs = append(addrs, v.A.String())
			case *dns.CNAME:
				if strings.EqualFold(v.Hdr.Name, qname) {
					cname = v.Target
				}
			}
		}
		if len(addrs) > 0 || cname == "" {
			r.logger.Debug("resolved", "host", name, "addresses", len(addrs), "cname_depth", depth)
			return sortUnique(addrs), nil
		}
		qname = dns.Fqdn(cname)
	}
	return nil, fmt.Errorf("%s: CNAME chain longer than %d", name, maxCNAMEDepth)
}

// exchange tries each server in turn, retrying truncated answers over TCP.
func (r *DNSResolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.udp.ExchangeContext(ctx, msg, server)
		if err == nil && resp.Truncated {
			resp, _, err = r.tcp.ExchangeContext(ctx, msg, server)
		}
		if err == nil {
			return resp, nil
		}
		r.logger.Debug("nameserver failed", "server", server, "error", err)
		lastErr = err
	}
	return nil, lastErr
}
