package firewall

import (
	"sort"
	"strings"
)

// knownProtocols maps accepted protocol spellings to the token passed to -p.
var knownProtocols = map[string]string{
	"tcp":                "tcp",
	"udp":                "udp",
	"icmp":               "icmp",
	"sctp":               "sctp",
	"gre":                "gre",
	"esp":                "esp",
	"ah":                 "ah",
	"ipv6-encapsulation": "41",
	"ipv6-encap":         "41",
	"ipip":               "4",
	"ospf":               "89",
	"vrrp":               "112",
	"udplite":            "udplite",
	"all":                "all",
}

// Protocol is a sorted, de-duplicated list of protocol tokens.
type Protocol struct {
	tokens []string
}

// ParseProtocol parses a delimiter-separated list of protocol names.
func ParseProtocol(raw string) (Protocol, error) {
	seen := make(map[string]bool)
	var tokens []string
	for _, name := range splitList(raw) {
		tok, ok := knownProtocols[strings.ToLower(name)]
		if !ok {
			return Protocol{}, policyErrorf(ErrUnknownField, "unknown protocol %q", name)
		}
		if !seen[tok] {
			seen[tok] = true
			tokens = append(tokens, tok)
		}
	}
	if len(tokens) == 0 {
		return Protocol{}, policyErrorf(ErrIncompatibleOptions, "empty protocol list")
	}
	sort.Strings(tokens)
	return Protocol{tokens: tokens}, nil
}

// Tokens returns the protocol tokens.
func (p Protocol) Tokens() []string {
	return append([]string(nil), p.tokens...)
}

// splitList splits a multi-valued field on commas and whitespace.
func splitList(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}
