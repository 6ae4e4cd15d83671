package firewall

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Fragment is a run of command-line arguments contributed by one axis.
type Fragment []string

// Axis is one dimension of a rule template. A fixed axis is unnamed and has
// exactly one alternative.
type Axis struct {
	name         string
	alternatives []Fragment
}

// Add appends an alternative.
func (a *Axis) Add(args ...string) {
	a.alternatives = append(a.alternatives, Fragment(args))
}

// Name returns the axis name, or "" for a fixed axis.
func (a *Axis) Name() string { return a.name }

// Alternatives returns the axis' fragments.
func (a *Axis) Alternatives() []Fragment { return a.alternatives }

// Rule is a template whose concrete commands are the cross-product of its
// axes, taken in the order they were added.
type Rule struct {
	axes []*Axis
}

// AddFixed adds one fixed axis per part.
func (r *Rule) AddFixed(parts ...Fragment) {
	for _, p := range parts {
		r.axes = append(r.axes, &Axis{alternatives: []Fragment{p}})
	}
}

// AddGroup adds an empty named axis and returns it for population.
func (r *Rule) AddGroup(name string) *Axis {
	a := &Axis{name: name}
	r.axes = append(r.axes, a)
	return a
}

// Axes returns the template's axes.
func (r *Rule) Axes() []*Axis { return r.axes }

// HasEmptyGroup reports whether any axis has no alternatives, in which case
// the template renders nothing.
func (r *Rule) HasEmptyGroup() bool {
	for _, a := range r.axes {
		if len(a.alternatives) == 0 {
			return true
		}
	}
	return false
}

// EmptyGroups returns the names of axes without alternatives.
func (r *Rule) EmptyGroups() []string {
	var names []string
	for _, a := range r.axes {
		if len(a.alternatives) == 0 {
			names = append(names, a.name)
		}
	}
	return names
}

// Commands expands the template. The last axis varies fastest.
func (r *Rule) Commands() [][]string {
	if r.HasEmptyGroup() {
		return nil
	}

	idx := make([]int, len(r.axes))
	var out [][]string
	for {
		var cmd []string
		for i, a := range r.axes {
			cmd = append(cmd, a.alternatives[idx[i]]...)
		}
		out = append(out, cmd)

		i := len(idx) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(r.axes[i].alternatives) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return out
		}
	}
}

// Dump writes a human-readable listing of the axes.
func (r *Rule) Dump(w io.Writer, prefix string) {
	for i, a := range r.axes {
		name := a.name
		if name == "" {
			name = "(static)"
		}
		fmt.Fprintf(w, "%s%d: %s\n", prefix, i, name)
		for _, alt := range a.alternatives {
			fmt.Fprintf(w, "%s    -> %q\n", prefix, []string(alt))
		}
	}
}

// Bundle groups the templates produced by one policy entry.
type Bundle struct {
	name  string
	rules []*Rule
}

// NewBundle creates an empty bundle.
func NewBundle(name string) *Bundle {
	return &Bundle{name: name}
}

// New appends and returns a fresh template.
func (b *Bundle) New() *Rule {
	r := &Rule{}
	b.rules = append(b.rules, r)
	return r
}

// Name returns the bundle label.
func (b *Bundle) Name() string { return b.name }

// Rules returns the bundle's templates.
func (b *Bundle) Rules() []*Rule { return b.rules }

// Datapoint is a named piece of metadata carried with a ruleset.
type Datapoint struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Ruleset is the result of one compilation pass.
type Ruleset struct {
	bundles    []*Bundle
	datapoints []Datapoint
	warnings   []string
	skipped    *multierror.Error
	compiledAt time.Time
}

// NewRuleset creates an empty ruleset stamped with the compile instant.
func NewRuleset(compiledAt time.Time) *Ruleset {
	return &Ruleset{compiledAt: compiledAt}
}

// AddBundle appends a bundle.
func (rs *Ruleset) AddBundle(b *Bundle) {
	rs.bundles = append(rs.bundles, b)
}

// AddDatapoint appends a datapoint.
func (rs *Ruleset) AddDatapoint(name, value string) {
	rs.datapoints = append(rs.datapoints, Datapoint{Name: name, Value: value})
}

// Datapoint looks up a datapoint by name.
func (rs *Ruleset) Datapoint(name string) (string, bool) {
	for _, dp := range rs.datapoints {
		if dp.Name == name {
			return dp.Value, true
		}
	}
	return "", false
}

// Datapoints returns all datapoints in insertion order.
func (rs *Ruleset) Datapoints() []Datapoint {
	return append([]Datapoint(nil), rs.datapoints...)
}

// Bundles returns the bundles in insertion order.
func (rs *Ruleset) Bundles() []*Bundle { return rs.bundles }

// CompiledAt returns the instant conditions were evaluated against.
func (rs *Ruleset) CompiledAt() time.Time { return rs.compiledAt }

// Warnings returns the non-fatal problems noticed while compiling.
func (rs *Ruleset) Warnings() []string {
	return append([]string(nil), rs.warnings...)
}

func (rs *Ruleset) addWarning(msg string) {
	rs.warnings = append(rs.warnings, msg)
}

// SkippedErrors returns the errors of entries dropped in lenient mode, or nil.
func (rs *Ruleset) SkippedErrors() error {
	return rs.skipped.ErrorOrNil()
}

func (rs *Ruleset) addSkipped(err error) {
	rs.skipped = multierror.Append(rs.skipped, err)
}

// RenderedBundle is the concrete output of one bundle.
type RenderedBundle struct {
	Name     string     `json:"name"`
	Commands [][]string `json:"commands"`
	Warnings []string   `json:"warnings,omitempty"`
}

// Render expands every template. Templates with an empty axis contribute a
// warning instead of commands.
func (rs *Ruleset) Render() []RenderedBundle {
	out := make([]RenderedBundle, 0, len(rs.bundles))
	for _, b := range rs.bundles {
		rb := RenderedBundle{Name: b.name}
		for i, r := range b.rules {
			if r.HasEmptyGroup() {
				rb.Warnings = append(rb.Warnings, fmt.Sprintf(
					"template %d of %q has no alternatives for %s and renders no commands",
					i, b.name, strings.Join(quoteAll(r.EmptyGroups()), ", ")))
				continue
			}
			rb.Commands = append(rb.Commands, r.Commands()...)
		}
		out = append(out, rb)
	}
	return out
}

// CommandCount returns the number of concrete commands.
func (rs *Ruleset) CommandCount() int {
	n := 0
	for _, rb := range rs.Render() {
		n += len(rb.Commands)
	}
	return n
}

// Fingerprint hashes the rendered commands. Two rulesets with the same
// fingerprint install the same rules.
func (rs *Ruleset) Fingerprint() string {
	h := sha256.New()
	for _, rb := range rs.Render() {
		for _, cmd := range rb.Commands {
			for _, arg := range cmd {
				io.WriteString(h, arg)
				h.Write([]byte{0})
			}
			h.Write([]byte{'\n'})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = fmt.Sprintf("%q", n)
	}
	return out
}
