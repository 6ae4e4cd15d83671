package firewall

import (
	"fmt"
	"strconv"
	"strings"
)

// Field enumerates the keys a rule entry may carry.
type Field int

const (
	FieldAction Field = iota
	FieldProto
	FieldCriterion
	FieldComment
	FieldDestService
	FieldSrcService
	FieldICMPType
	FieldCond
	FieldForwardTo
	FieldMsg
	FieldDestHost
	FieldSrcHost
	FieldDestNet
	FieldSrcNet
	FieldDestIfaddr
	FieldSrcIfaddr
	FieldDestIf
	FieldSrcIf

	numFields
)

var fieldKeys = [numFields]string{
	FieldAction:      "action",
	FieldProto:       "proto",
	FieldCriterion:   "criterion",
	FieldComment:     "comment",
	FieldDestService: "dest-service",
	FieldSrcService:  "src-service",
	FieldICMPType:    "icmp-type",
	FieldCond:        "cond",
	FieldForwardTo:   "forward-to",
	FieldMsg:         "msg",
	FieldDestHost:    "dest-host",
	FieldSrcHost:     "src-host",
	FieldDestNet:     "dest-net",
	FieldSrcNet:      "src-net",
	FieldDestIfaddr:  "dest-ifaddr",
	FieldSrcIfaddr:   "src-ifaddr",
	FieldDestIf:      "dest-if",
	FieldSrcIf:       "src-if",
}

var fieldsByKey = func() map[string]Field {
	m := make(map[string]Field, numFields)
	for f, key := range fieldKeys {
		m[key] = Field(f)
	}
	return m
}()

func (f Field) String() string {
	if f < 0 || f >= numFields {
		return "Field(" + strconv.Itoa(int(f)) + ")"
	}
	return fieldKeys[f]
}

// LookupField maps an entry key to its field.
func LookupField(key string) (Field, bool) {
	f, ok := fieldsByKey[key]
	return f, ok
}

// IsPrivateKey reports whether key is ignored by the compiler.
func IsPrivateKey(key string) bool {
	return strings.HasPrefix(key, "_")
}

type fieldSet uint32

func (s *fieldSet) add(f Field)     { *s |= 1 << uint(f) }
func (s fieldSet) has(f Field) bool { return s&(1<<uint(f)) != 0 }

// Action is the verdict of a rule.
type Action int

const (
	ActionAccept Action = iota
	ActionReject
	ActionDrop
	ActionLog
	ActionMasquerade
	ActionPortForward
)

var actionNames = map[string]Action{
	"accept":       ActionAccept,
	"reject":       ActionReject,
	"drop":         ActionDrop,
	"log":          ActionLog,
	"masquerade":   ActionMasquerade,
	"port-forward": ActionPortForward,
}

// ParseAction parses an action name.
func ParseAction(s string) (Action, error) {
	a, ok := actionNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, policyErrorf(ErrUnknownField, "unknown action %q", s)
	}
	return a, nil
}

// Target returns the -j argument, or "" for port-forward which renders its
// own DNAT target.
func (a Action) Target() string {
	switch a {
	case ActionAccept:
		return "ACCEPT"
	case ActionReject:
		return "REJECT"
	case ActionDrop:
		return "DROP"
	case ActionLog:
		return "LOG"
	case ActionMasquerade:
		return "MASQUERADE"
	case ActionPortForward:
		return ""
	}
	panic(fmt.Sprintf("firewall: unhandled action %d", int(a)))
}

func (a Action) String() string {
	for name, v := range actionNames {
		if v == a {
			return name
		}
	}
	return "Action(" + strconv.Itoa(int(a)) + ")"
}

// scalarString flattens a raw entry value into the multi-valued string form
// the resolvers parse. Lists are joined with commas.
func scalarString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float64:
		if v != float64(int64(v)) {
			return "", fmt.Errorf("non-integer number %v", v)
		}
		return strconv.FormatInt(int64(v), 10), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, err := scalarString(item)
			if err != nil {
				return "", err
			}
			if _, nested := item.([]any); nested {
				return "", fmt.Errorf("nested lists are not allowed")
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	case []string:
		return strings.Join(v, ","), nil
	case nil:
		return "", fmt.Errorf("value is empty")
	default:
		return "", fmt.Errorf("unsupported value of type %T", raw)
	}
}

// direction selects the source or destination flavour of a match.
type direction int

const (
	dirSrc direction = iota
	dirDest
)

func (d direction) prefix() string {
	if d == dirSrc {
		return "src"
	}
	return "dest"
}

func (d direction) ifaceFlag() string {
	if d == dirSrc {
		return "-i"
	}
	return "-o"
}

func (d direction) addrFlag() string {
	if d == dirSrc {
		return "-s"
	}
	return "-d"
}

func (d direction) portOption() string {
	if d == dirSrc {
		return "--sport"
	}
	return "--dport"
}

func (d direction) multiportOption() string {
	if d == dirSrc {
		return "--sports"
	}
	return "--dports"
}

func (d direction) pick(src, dest Field) Field {
	if d == dirSrc {
		return src
	}
	return dest
}
