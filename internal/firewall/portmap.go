package firewall

import (
	"fmt"
	"sort"
)

// MaxPort is the highest valid port number.
const MaxPort = 65535

// PortRange is an inclusive run of at least two contiguous ports.
type PortRange struct {
	Start int
	End   int
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d:%d", r.Start, r.End)
}

// PortMapBuilder accumulates ports for one protocol. Call Finalize to obtain
// the compressed, immutable PortMap. Adding after Finalize panics.
type PortMapBuilder struct {
	ports     map[int]struct{}
	finalized *PortMap
}

// NewPortMapBuilder returns an empty builder.
func NewPortMapBuilder() *PortMapBuilder {
	return &PortMapBuilder{ports: make(map[int]struct{})}
}

// Add adds a single port.
func (b *PortMapBuilder) Add(port int) {
	b.mustBeOpen()
	b.ports[port] = struct{}{}
}

// AddRange adds every port in [start, end].
func (b *PortMapBuilder) AddRange(start, end int) {
	b.mustBeOpen()
	for p := start; p <= end; p++ {
		b.ports[p] = struct{}{}
	}
}

// Len returns the number of distinct ports accumulated so far.
func (b *PortMapBuilder) Len() int {
	return len(b.ports)
}

func (b *PortMapBuilder) mustBeOpen() {
	if b.finalized != nil {
		panic("firewall: PortMapBuilder modified after Finalize")
	}
}

// Finalize freezes the builder and returns the compressed port map.
// Repeated calls return the same value.
func (b *PortMapBuilder) Finalize() *PortMap {
	if b.finalized != nil {
		return b.finalized
	}

	ports := make([]int, 0, len(b.ports))
	for p := range b.ports {
		ports = append(ports, p)
	}
	sort.Ints(ports)

	pm := &PortMap{ports: ports}
	pm.singles, pm.ranges = compressPorts(ports)
	b.finalized = pm
	return pm
}

// compressPorts partitions a sorted, duplicate-free port list into isolated
// single ports and maximal contiguous ranges.
func compressPorts(sorted []int) (singles []int, ranges []PortRange) {
	if len(sorted) == 0 {
		return nil, nil
	}

	flush := func(start, end int) {
		if start == end {
			singles = append(singles, start)
		} else {
			ranges = append(ranges, PortRange{Start: start, End: end})
		}
	}

	start, end := sorted[0], sorted[0]
	for _, p := range sorted[1:] {
		if p == end+1 {
			end = p
			continue
		}
		flush(start, end)
		start, end = p, p
	}
	flush(start, end)
	return singles, ranges
}

// PortMap is an immutable set of ports split into singles and ranges.
type PortMap struct {
	ports   []int
	singles []int
	ranges  []PortRange
}

// Ports returns every port in ascending order.
func (m *PortMap) Ports() []int {
	return append([]int(nil), m.ports...)
}

// Singles returns the ports that have no neighbour in the set.
func (m *PortMap) Singles() []int {
	return append([]int(nil), m.singles...)
}

// Ranges returns the maximal contiguous runs of two or more ports.
func (m *PortMap) Ranges() []PortRange {
	return append([]PortRange(nil), m.ranges...)
}

// PortCount returns the number of distinct ports.
func (m *PortMap) PortCount() int {
	return len(m.ports)
}

// SpanCount returns the number of singles plus ranges.
func (m *PortMap) SpanCount() int {
	return len(m.singles) + len(m.ranges)
}

// First returns the lowest port. It panics on an empty map.
func (m *PortMap) First() int {
	return m.ports[0]
}
