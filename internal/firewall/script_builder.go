package firewall

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alessio/shellescape"

	"grimm.is/timewall/internal/brand"
)

// Script comment markers. The generated-by line and the per-compile
// datapoints change on every run; IsVolatileScriptLine identifies them.
const (
	scriptGeneratedPrefix  = "# Generated by "
	emptyGroupWarning      = "# WARNING: template has an empty group"
	scriptDatapointPattern = "# %s: %s"
)

// ScriptBuilder builds a bash script of filter commands.
type ScriptBuilder struct {
	lines  []string
	binary string
}

// NewScriptBuilder creates a builder whose commands invoke binary.
func NewScriptBuilder(binary string) *ScriptBuilder {
	if binary == "" {
		binary = brand.FilterBinary
	}
	return &ScriptBuilder{
		binary: binary,
		lines:  make([]string, 0, 100),
	}
}

// AddLine adds a raw line.
func (b *ScriptBuilder) AddLine(line string) {
	b.lines = append(b.lines, line)
}

// AddComment adds a single-line comment. Newlines in text are flattened.
func (b *ScriptBuilder) AddComment(text string) {
	text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	b.AddLine("# " + text)
}

// AddBlank adds an empty line.
func (b *ScriptBuilder) AddBlank() {
	b.AddLine("")
}

// AddCommand adds one filter command with every argument shell-escaped.
func (b *ScriptBuilder) AddCommand(args []string) {
	b.AddLine(shellescape.Quote(b.binary) + " " + shellescape.QuoteCommand(args))
}

// Build returns the complete script.
func (b *ScriptBuilder) Build() string {
	return strings.Join(b.lines, "\n") + "\n"
}

// ScriptOptions controls WriteScript.
type ScriptOptions struct {
	// Binary is the filter tool invoked by every command.
	Binary string

	// Verbose writes each template's axes as comments before its commands.
	Verbose bool
}

// BuildScript renders rs as a bash script.
func BuildScript(rs *Ruleset, opts ScriptOptions) string {
	sb := NewScriptBuilder(opts.Binary)
	sb.AddLine("#!/bin/bash")
	sb.AddLine(fmt.Sprintf("%s%s %s at %s", scriptGeneratedPrefix, brand.Name, brand.Version,
		rs.CompiledAt().UTC().Format(time.RFC3339)))
	for _, dp := range rs.Datapoints() {
		sb.AddLine(fmt.Sprintf(scriptDatapointPattern, dp.Name, dp.Value))
	}

	for _, bundle := range rs.Bundles() {
		sb.AddBlank()
		sb.AddComment(bundle.Name())
		for _, r := range bundle.Rules() {
			if r.HasEmptyGroup() {
				sb.AddLine(emptyGroupWarning)
				addDump(sb, r)
				continue
			}
			if opts.Verbose {
				addDump(sb, r)
			}
			for _, cmd := range r.Commands() {
				sb.AddCommand(cmd)
			}
		}
	}
	return sb.Build()
}

func addDump(sb *ScriptBuilder, r *Rule) {
	var dump bytes.Buffer
	r.Dump(&dump, "#   ")
	for _, line := range strings.Split(strings.TrimRight(dump.String(), "\n"), "\n") {
		sb.AddLine(line)
	}
}

// WriteScript writes the script for rs to w.
func WriteScript(w io.Writer, rs *Ruleset, opts ScriptOptions) error {
	_, err := io.WriteString(w, BuildScript(rs, opts))
	return err
}

// IsVolatileScriptLine reports whether line differs between two renderings
// of the same policy.
func IsVolatileScriptLine(line string) bool {
	if strings.HasPrefix(line, scriptGeneratedPrefix) {
		return true
	}
	for _, name := range []string{DatapointCompileID, DatapointCompiled} {
		if strings.HasPrefix(line, fmt.Sprintf(scriptDatapointPattern, name, "")) {
			return true
		}
	}
	return false
}
