package firewall

import "strings"

// ICMPType is one of the ICMP message kinds a rule can match.
type ICMPType int

const (
	ICMPPing ICMPType = iota
	ICMPPong
	ICMPDestUnreachable
	ICMPTimeExceeded
	ICMPTraceroute
)

var icmpTypeNames = map[string]ICMPType{
	"ping":             ICMPPing,
	"pong":             ICMPPong,
	"dest-unreachable": ICMPDestUnreachable,
	"time-exceeded":    ICMPTimeExceeded,
	"traceroute":       ICMPTraceroute,
}

// Token returns the value passed to --icmp-type.
func (t ICMPType) Token() string {
	switch t {
	case ICMPPing:
		return "echo-request"
	case ICMPPong:
		return "echo-reply"
	case ICMPDestUnreachable:
		return "3"
	case ICMPTimeExceeded:
		return "11"
	case ICMPTraceroute:
		return "30"
	}
	panic("firewall: unhandled ICMP type")
}

// ParseICMPTypes parses a delimiter-separated list, keeping input order.
func ParseICMPTypes(raw string) ([]ICMPType, error) {
	var out []ICMPType
	for _, name := range splitList(raw) {
		t, ok := icmpTypeNames[strings.ToLower(name)]
		if !ok {
			return nil, policyErrorf(ErrUnknownField, "unknown ICMP type %q", name)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, policyErrorf(ErrIncompatibleOptions, "empty icmp-type list")
	}
	return out, nil
}
