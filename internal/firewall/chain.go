package firewall

import "strings"

// DefaultTable is used for chain identifiers without a table prefix.
const DefaultTable = "mangle"

// Chain identifies an iptables chain within a table.
type Chain struct {
	table string
	name  string
}

// ParseChain parses "table.chain" or a bare "chain".
func ParseChain(text string) Chain {
	if table, name, ok := strings.Cut(text, "."); ok {
		return Chain{table: strings.ToLower(table), name: strings.ToUpper(name)}
	}
	return Chain{table: DefaultTable, name: strings.ToUpper(text)}
}

// Table returns the lower-cased table name.
func (c Chain) Table() string { return c.table }

// Name returns the upper-cased chain name.
func (c Chain) Name() string { return c.name }

func (c Chain) String() string {
	return c.table + "." + c.name
}

// command renders a chain operation. The filter table is iptables' implicit
// default and is left out.
func (c Chain) command(op string) []string {
	if c.table == "filter" {
		return []string{op, c.name}
	}
	return []string{"-t", c.table, op, c.name}
}

// AppendDirective returns the arguments that append a rule to the chain.
func (c Chain) AppendDirective() []string { return c.command("-A") }

// FlushDirective returns the arguments that flush the chain.
func (c Chain) FlushDirective() []string { return c.command("-F") }

// PolicyDirective returns the arguments that set the chain's default policy.
func (c Chain) PolicyDirective(policy string) []string {
	return append(c.command("-P"), strings.ToUpper(policy))
}
