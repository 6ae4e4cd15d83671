package firewall

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var serviceSpecRegex = regexp.MustCompile(`^(?:(?P<name>[a-z][-a-z0-9]*)|(?P<port>\d+)(?:-(?P<end>\d+))?)(?:/(?P<proto>[a-z+]+|\*))?$`)

// portProtocols are the protocols that carry port numbers.
var portProtocols = map[string]bool{
	"tcp":     true,
	"udp":     true,
	"sctp":    true,
	"udplite": true,
	"dccp":    true,
}

// Service maps protocol tokens to the ports selected for that protocol.
type Service struct {
	ports map[string]*PortMap
}

// ParseService resolves a multi-valued service specification. Each token is
// either a catalog name (optionally /proto or /*) or port[-end]/proto[+proto].
func ParseService(raw string, catalog Catalog) (*Service, error) {
	builders := make(map[string]*PortMapBuilder)
	builder := func(proto string) *PortMapBuilder {
		b, ok := builders[proto]
		if !ok {
			b = NewPortMapBuilder()
			builders[proto] = b
		}
		return b
	}

	tokens := splitList(raw)
	if len(tokens) == 0 {
		return nil, policyErrorf(ErrMalformedService, "empty service specification")
	}

	for _, tok := range tokens {
		m := serviceSpecRegex.FindStringSubmatch(tok)
		if m == nil {
			return nil, policyErrorf(ErrMalformedService, "cannot parse %q", tok)
		}
		name := m[serviceSpecRegex.SubexpIndex("name")]
		proto := m[serviceSpecRegex.SubexpIndex("proto")]

		if name != "" {
			if err := addNamedService(builder, catalog, name, proto); err != nil {
				return nil, err
			}
			continue
		}

		start, _ := strconv.Atoi(m[serviceSpecRegex.SubexpIndex("port")])
		end := start
		if s := m[serviceSpecRegex.SubexpIndex("end")]; s != "" {
			end, _ = strconv.Atoi(s)
		}
		if start > MaxPort || end > MaxPort || end < start {
			return nil, policyErrorf(ErrMalformedService, "invalid port range in %q", tok)
		}
		switch proto {
		case "":
			return nil, policyErrorf(ErrProtocolOmitted, "port specification %q needs a protocol", tok)
		case "*":
			return nil, policyErrorf(ErrMalformedService, "wildcard protocol requires a named service in %q", tok)
		}
		for _, p := range strings.Split(proto, "+") {
			if !portProtocols[p] {
				return nil, policyErrorf(ErrMalformedService, "protocol %q in %q does not carry ports", p, tok)
			}
			builder(p).AddRange(start, end)
		}
	}

	svc := &Service{ports: make(map[string]*PortMap, len(builders))}
	for proto, b := range builders {
		svc.ports[proto] = b.Finalize()
	}
	return svc, nil
}

func addNamedService(builder func(string) *PortMapBuilder, catalog Catalog, name, proto string) error {
	lookup := name
	if alias, ok := serviceAliases[name]; ok {
		lookup = alias
	}
	if catalog == nil {
		return policyErrorf(ErrUnknownService, "no service catalog to resolve %q", name)
	}
	entry, ok := catalog.Lookup(lookup)
	if !ok {
		return policyErrorf(ErrUnknownService, "%q is not in the service catalog", name)
	}

	switch {
	case proto == "*":
		for p, port := range entry {
			builder(p).Add(port)
		}
	case proto == "" && len(entry) == 1:
		for p, port := range entry {
			builder(p).Add(port)
		}
	case proto == "":
		return policyErrorf(ErrAmbiguousService, "%q is defined for %s; pick one with /proto or use /*",
			name, strings.Join(sortedKeys(entry), ", "))
	default:
		for _, p := range strings.Split(proto, "+") {
			port, ok := entry[p]
			if !ok {
				return policyErrorf(ErrUnknownService, "%q is not defined for protocol %s", name, p)
			}
			builder(p).Add(port)
		}
	}
	return nil
}

// Protocols returns the protocols of the service in sorted order.
func (s *Service) Protocols() []string {
	return sortedKeys(s.ports)
}

// Ports returns the port map for proto, or nil.
func (s *Service) Ports(proto string) *PortMap {
	return s.ports[proto]
}

// MaxSpanCount returns the largest span count over all protocols.
func (s *Service) MaxSpanCount() int {
	most := 0
	for _, pm := range s.ports {
		if n := pm.SpanCount(); n > most {
			most = n
		}
	}
	return most
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
