package policy

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ValidationError represents a document validation problem.
type ValidationError struct {
	Field    string
	Message  string
	Severity string // "error" (default), "warning"
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsWarning reports whether the problem is advisory.
func (e ValidationError) IsWarning() bool {
	return e.Severity == SeverityWarning
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if any entry is not a warning.
func (e ValidationErrors) HasErrors() bool {
	for _, err := range e {
		if !err.IsWarning() {
			return true
		}
	}
	return false
}

// Errors returns only the entries that are not warnings.
func (e ValidationErrors) Errors() ValidationErrors {
	var out ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			out = append(out, err)
		}
	}
	return out
}

// Warnings returns only the advisory entries.
func (e ValidationErrors) Warnings() ValidationErrors {
	var out ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			out = append(out, err)
		}
	}
	return out
}

var chainPolicies = map[string]bool{"ACCEPT": true, "DROP": true}

// Validate checks document-level structure. Rule entries themselves are
// checked by the compiler.
func (d *Document) Validate() ValidationErrors {
	var errs ValidationErrors

	if len(d.Chains) == 0 {
		errs = append(errs, ValidationError{Field: "chains", Message: "no chains defined", Severity: SeverityWarning})
	}
	seen := make(map[string]bool)
	for _, c := range d.Chains {
		field := "chains." + c.Name
		if strings.TrimSpace(c.Name) == "" {
			errs = append(errs, ValidationError{Field: "chains", Message: "chain with empty name"})
			continue
		}
		key := strings.ToLower(c.Name)
		if seen[key] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate chain"})
		}
		seen[key] = true
		if c.Default != "" && !chainPolicies[strings.ToUpper(c.Default)] {
			errs = append(errs, ValidationError{Field: field + ".default", Message: fmt.Sprintf("unsupported policy %q", c.Default)})
		}
	}

	devices := make(map[string]string)
	for _, name := range d.InterfaceNames() {
		dev := d.Interfaces[name]
		if dev == "" {
			errs = append(errs, ValidationError{Field: "interfaces." + name, Message: "empty device"})
			continue
		}
		if other, dup := devices[dev]; dup {
			errs = append(errs, ValidationError{
				Field:    "interfaces." + name,
				Message:  fmt.Sprintf("device %s is also mapped by %s", dev, other),
				Severity: SeverityWarning,
			})
		}
		devices[dev] = name
	}

	for _, alias := range sortedKeys(d.Hosts) {
		addrs := d.Hosts[alias]
		if len(addrs) == 0 {
			errs = append(errs, ValidationError{Field: "hosts." + alias, Message: "no addresses"})
		}
		for _, a := range addrs {
			if _, err := netip.ParseAddr(a); err != nil {
				if _, perr := netip.ParsePrefix(a); perr != nil {
					errs = append(errs, ValidationError{
						Field:    "hosts." + alias,
						Message:  fmt.Sprintf("%q is not an address", a),
						Severity: SeverityWarning,
					})
				}
			}
		}
	}

	errs = append(errs, d.Options.Validate()...)
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
