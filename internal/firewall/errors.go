package firewall

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. A *PolicyError wraps exactly one of these, so callers match
// with errors.Is.
var (
	ErrMalformedService    = errors.New("malformed service specification")
	ErrUnknownService      = errors.New("unknown service name")
	ErrProtocolOmitted     = errors.New("protocol omitted")
	ErrAmbiguousService    = errors.New("ambiguous service")
	ErrUnknownInterface    = errors.New("unknown interface")
	ErrInvalidTimeWindow   = errors.New("invalid time window specification")
	ErrIncompatibleOptions = errors.New("incompatible or missing options")
	ErrUnknownField        = errors.New("unknown field or type")
)

// PolicyError reports a problem with one rule entry of the policy document.
type PolicyError struct {
	Kind  error
	Chain string
	Entry string
	Field string
	Msg   string
}

func (e *PolicyError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.Error())
	if e.Field != "" {
		fmt.Fprintf(&sb, " in field %q", e.Field)
	}
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.Chain != "" {
		fmt.Fprintf(&sb, " (chain %s", e.Chain)
		if e.Entry != "" {
			fmt.Fprintf(&sb, ", rule %s", e.Entry)
		}
		sb.WriteString(")")
	} else if e.Entry != "" {
		fmt.Fprintf(&sb, " (rule %s)", e.Entry)
	}
	return sb.String()
}

func (e *PolicyError) Unwrap() error {
	return e.Kind
}

func policyErrorf(kind error, format string, args ...any) *PolicyError {
	return &PolicyError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// annotate fills in the rule context of err when it is a *PolicyError.
// Other errors are wrapped as unknown-field errors with the same context.
func annotate(err error, chain, entry, field string) error {
	var pe *PolicyError
	if !errors.As(err, &pe) {
		pe = &PolicyError{Kind: ErrUnknownField, Msg: err.Error()}
	}
	out := *pe
	if out.Chain == "" {
		out.Chain = chain
	}
	if out.Entry == "" {
		out.Entry = entry
	}
	if out.Field == "" {
		out.Field = field
	}
	return &out
}
