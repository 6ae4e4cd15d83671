package firewall

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Criterion contributes extra match axes to a rule.
type Criterion interface {
	apply(r *Rule)
}

// StateCriterion matches connection tracking states.
type StateCriterion struct {
	States []string
}

// DNSBlockCriterion matches DNS packets carrying any of the given names.
type DNSBlockCriterion struct {
	Names []string
}

var conntrackStates = map[string]string{
	"new":         "NEW",
	"established": "ESTABLISHED",
	"related":     "RELATED",
	"invalid":     "INVALID",
	"untracked":   "UNTRACKED",
}

// ParseCriterion parses a criterion mapping such as
// {"type": "state", "state": "established/related"} or
// {"type": "dns-block", "dns-name": "ads.example.com"}.
func ParseCriterion(raw any) (Criterion, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, policyErrorf(ErrUnknownField, "criterion must be a mapping, got %T", raw)
	}
	typ, _ := m["type"].(string)
	switch typ {
	case "state":
		return parseStateCriterion(m)
	case "dns-block":
		return parseDNSBlockCriterion(m)
	case "":
		return nil, policyErrorf(ErrIncompatibleOptions, "criterion has no type")
	default:
		return nil, policyErrorf(ErrUnknownField, "unknown criterion type %q", typ)
	}
}

func parseStateCriterion(m map[string]any) (Criterion, error) {
	for key := range m {
		if key != "type" && key != "state" {
			return nil, policyErrorf(ErrUnknownField, "unexpected key %q in state criterion", key)
		}
	}
	raw, _ := m["state"].(string)
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == '/' || r == ',' || r == ' ' })
	if len(parts) == 0 {
		return nil, policyErrorf(ErrIncompatibleOptions, "state criterion needs a state")
	}
	c := &StateCriterion{}
	seen := make(map[string]bool)
	for _, p := range parts {
		s, ok := conntrackStates[strings.ToLower(p)]
		if !ok {
			return nil, policyErrorf(ErrUnknownField, "unknown connection state %q", p)
		}
		if !seen[s] {
			seen[s] = true
			c.States = append(c.States, s)
		}
	}
	return c, nil
}

func parseDNSBlockCriterion(m map[string]any) (Criterion, error) {
	for key := range m {
		if key != "type" && key != "dns-name" {
			return nil, policyErrorf(ErrUnknownField, "unexpected key %q in dns-block criterion", key)
		}
	}
	raw, _ := m["dns-name"].(string)
	names := splitList(raw)
	if len(names) == 0 {
		return nil, policyErrorf(ErrIncompatibleOptions, "dns-block criterion needs dns-name")
	}
	for _, n := range names {
		if _, err := DNSLabelPattern(n); err != nil {
			return nil, err
		}
	}
	return &DNSBlockCriterion{Names: names}, nil
}

func (c *StateCriterion) apply(r *Rule) {
	r.AddFixed(Fragment{"--match", "state", "--state", strings.Join(c.States, ",")})
}

func (c *DNSBlockCriterion) apply(r *Rule) {
	axis := r.AddGroup("layer7 DNS blocking")
	for _, name := range c.Names {
		pattern, _ := DNSLabelPattern(name)
		axis.Add("--match", "string", "--hex-string", "|"+pattern+"|", "--algo", "bm", "--icase")
	}
}

// DNSLabelPattern encodes name in DNS wire label format (each label prefixed
// by its length byte) and returns the hex string. A trailing dot adds the
// root label.
func DNSLabelPattern(name string) (string, error) {
	labels := strings.Split(name, ".")
	var wire []byte
	for i, label := range labels {
		if label == "" && i != len(labels)-1 {
			return "", policyErrorf(ErrUnknownField, "empty label in DNS name %q", name)
		}
		if len(label) > 63 {
			return "", policyErrorf(ErrUnknownField, "label %q in DNS name %q exceeds 63 bytes", label, name)
		}
		for j := 0; j < len(label); j++ {
			if label[j] > 0x7f {
				return "", policyErrorf(ErrUnknownField, "DNS name %q is not ASCII", name)
			}
		}
		wire = append(wire, byte(len(label)))
		wire = append(wire, label...)
	}
	return hex.EncodeToString(wire), nil
}

func (c *StateCriterion) String() string {
	return fmt.Sprintf("state %s", strings.Join(c.States, ","))
}

func (c *DNSBlockCriterion) String() string {
	return fmt.Sprintf("dns-block %s", strings.Join(c.Names, ","))
}
