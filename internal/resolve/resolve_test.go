package resolve

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/timewall/internal/policy"
)

func TestStaticResolver(t *testing.T) {
	r := StaticResolver{
		"nas.lan": {"192.168.1.20", "192.168.1.10", "192.168.1.20"},
	}

	addrs, err := r.LookupHost(context.Background(), "NAS.lan.")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.10", "192.168.1.20"}, addrs)

	_, err = r.LookupHost(context.Background(), "printer.lan")
	assert.Error(t, err)
}

func TestSystemResolverLiteral(t *testing.T) {
	r := NewSystemResolver(time.Second)
	addrs, err := r.LookupHost(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1"}, addrs)
}

func TestFromOptions(t *testing.T) {
	r, err := FromOptions(policy.Options{})
	require.NoError(t, err)
	assert.IsType(t, &SystemResolver{}, r)

	r, err = FromOptions(policy.Options{Resolver: "static"})
	require.NoError(t, err)
	assert.IsType(t, StaticResolver{}, r)

	r, err = FromOptions(policy.Options{Resolver: "dns", Nameserver: "127.0.0.1:5353"})
	require.NoError(t, err)
	require.IsType(t, &DNSResolver{}, r)
	assert.Equal(t, []string{"127.0.0.1:5353"}, r.(*DNSResolver).Servers())

	_, err = FromOptions(policy.Options{Resolver: "carrier-pigeon"})
	assert.Error(t, err)
}

// startDNS serves a small fixed zone on a loopback UDP port.
func startDNS(t *testing.T) string {
	t.Helper()

	zone := map[string][]string{
		"web.example.com.": {
			"web.example.com. 60 IN A 192.0.2.11",
			"web.example.com. 60 IN A 192.0.2.10",
		},
		"www.example.com.":   {"www.example.com. 60 IN CNAME web.example.com."},
		"loop.example.com.":  {"loop.example.com. 60 IN CNAME loop.example.com."},
		"empty.example.com.": {},
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		records, ok := zone[req.Question[0].Name]
		if !ok {
			m.SetRcode(req, dns.RcodeNameError)
		}
		for _, s := range records {
			rr, err := dns.NewRR(s)
			if err == nil {
				m.Answer = append(m.Answer, rr)
			}
		}
		_ = w.WriteMsg(m)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestDNSResolver(t *testing.T) {
	addr := startDNS(t)
	r, err := NewDNSResolver(addr, 2*time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("a records", func(t *testing.T) {
		addrs, err := r.LookupHost(ctx, "web.example.com")
		require.NoError(t, err)
		assert.Equal(t, []string{"192.0.2.10", "192.0.2.11"}, addrs)
	})

	t.Run("follows cname", func(t *testing.T) {
		addrs, err := r.LookupHost(ctx, "www.example.com")
		require.NoError(t, err)
		assert.Equal(t, []string{"192.0.2.10", "192.0.2.11"}, addrs)
	})

	t.Run("empty answer", func(t *testing.T) {
		addrs, err := r.LookupHost(ctx, "empty.example.com")
		require.NoError(t, err)
		assert.Empty(t, addrs)
	})

	t.Run("nxdomain", func(t *testing.T) {
		_, err := r.LookupHost(ctx, "missing.example.com")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNoSuchHost))
	})

	t.Run("cname loop", func(t *testing.T) {
		_, err := r.LookupHost(ctx, "loop.example.com")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CNAME chain")
	})
}
