// Package policy loads the declarative firewall policy document.
//
// A document names every chain with its default policy and rule entries,
// the logical interface table, host aliases, per-run options and
// substitution variables. JSON, YAML, HCL and TOML spellings all normalize
// to Document.
package policy

import (
	"strconv"
	"time"
)

// Document is a loaded policy.
type Document struct {
	Chains     []ChainSpec
	Interfaces map[string]string   // logical name -> device
	Hosts      map[string][]string // alias -> addresses
	Options    Options
	Variables  Variables
	Source     Source
}

// ChainSpec is one entry of the "chains" mapping.
type ChainSpec struct {
	Name    string
	Default string
	Rules   []Entry
}

// Entry is one declarative rule: field name to raw value.
type Entry map[string]any

// Source describes where a document came from.
type Source struct {
	Path        string
	ModTime     time.Time
	Fingerprint string
}

// MTimeMicros returns the modification time in microseconds since the
// epoch, the form recorded in the ruleset_mtime datapoint.
func (s Source) MTimeMicros() string {
	if s.ModTime.IsZero() {
		return ""
	}
	return strconv.FormatInt(s.ModTime.UnixMicro(), 10)
}

// Chain returns the chain spec with the given name.
func (d *Document) Chain(name string) (*ChainSpec, bool) {
	for i := range d.Chains {
		if d.Chains[i].Name == name {
			return &d.Chains[i], true
		}
	}
	return nil, false
}

// RuleCount returns the number of rule entries across all chains.
func (d *Document) RuleCount() int {
	n := 0
	for _, c := range d.Chains {
		n += len(c.Rules)
	}
	return n
}

// InterfaceNames returns the logical interface names in sorted order.
func (d *Document) InterfaceNames() []string {
	return sortedKeys(d.Interfaces)
}
