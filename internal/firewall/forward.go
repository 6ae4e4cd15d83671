package firewall

import (
	"regexp"
	"strconv"
)

var forwardTargetRegex = regexp.MustCompile(`^([a-zA-Z0-9][-.0-9a-zA-Z]*)(?::(([+-])?\d+))?$`)

// ForwardTarget is the destination of a port-forward rule.
type ForwardTarget struct {
	Host     string
	Port     int
	HasPort  bool
	Relative bool
}

// ParseForwardTarget parses host[:port], host:+offset or host:-offset.
func ParseForwardTarget(raw string) (ForwardTarget, error) {
	m := forwardTargetRegex.FindStringSubmatch(raw)
	if m == nil {
		return ForwardTarget{}, policyErrorf(ErrUnknownField, "invalid forward target %q", raw)
	}
	ft := ForwardTarget{Host: m[1]}
	if m[2] != "" {
		port, err := strconv.Atoi(m[2])
		if err != nil {
			return ForwardTarget{}, policyErrorf(ErrUnknownField, "invalid forward port in %q", raw)
		}
		ft.Port = port
		ft.HasPort = true
		ft.Relative = m[3] != ""
		if !ft.Relative && (port < 0 || port > MaxPort) {
			return ForwardTarget{}, policyErrorf(ErrUnknownField, "forward port out of range in %q", raw)
		}
	}
	return ft, nil
}

// MappedPort returns the port traffic arriving on incoming is sent to.
func (ft ForwardTarget) MappedPort(incoming int) int {
	switch {
	case !ft.HasPort:
		return incoming
	case ft.Relative:
		return incoming + ft.Port
	default:
		return ft.Port
	}
}
