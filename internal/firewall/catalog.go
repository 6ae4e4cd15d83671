package firewall

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// DefaultServicesFile is the system service catalog.
const DefaultServicesFile = "/etc/services"

// Catalog resolves a service name to its ports keyed by protocol.
type Catalog interface {
	Lookup(name string) (map[string]int, bool)
}

// serviceAliases are names accepted in policies that the system catalog
// spells differently.
var serviceAliases = map[string]string{
	"dhcps": "bootps",
	"dns":   "domain",
}

// MapCatalog is an in-memory catalog.
type MapCatalog map[string]map[string]int

// Lookup implements Catalog.
func (c MapCatalog) Lookup(name string) (map[string]int, bool) {
	entry, ok := c[name]
	if !ok || len(entry) == 0 {
		return nil, false
	}
	out := make(map[string]int, len(entry))
	for proto, port := range entry {
		out[proto] = port
	}
	return out, true
}

// Names returns the catalog's service names in sorted order.
func (c MapCatalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c MapCatalog) add(name, proto string, port int) {
	entry, ok := c[name]
	if !ok {
		entry = make(map[string]int)
		c[name] = entry
	}
	if _, exists := entry[proto]; !exists {
		entry[proto] = port
	}
}

// ParseServiceCatalog reads services(5) formatted data:
// service-name  port/proto  [aliases...]  # comment
func ParseServiceCatalog(r io.Reader) (MapCatalog, error) {
	catalog := make(MapCatalog)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx != -1 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		portStr, proto, ok := strings.Cut(fields[1], "/")
		if !ok {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 0 || port > MaxPort {
			continue
		}
		proto = strings.ToLower(proto)

		catalog.add(fields[0], proto, port)
		for _, alias := range fields[2:] {
			catalog.add(alias, proto, port)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading service catalog at line %d: %w", lineNo, err)
	}
	return catalog, nil
}

// LoadServiceCatalog parses the services file at path.
func LoadServiceCatalog(path string) (MapCatalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open service catalog: %w", err)
	}
	defer f.Close()
	return ParseServiceCatalog(f)
}

// builtinServices backs the catalog on systems without a services file.
var builtinServices = MapCatalog{
	"ftp":        {"tcp": 21},
	"ssh":        {"tcp": 22},
	"telnet":     {"tcp": 23},
	"smtp":       {"tcp": 25},
	"domain":     {"tcp": 53, "udp": 53},
	"bootps":     {"udp": 67},
	"bootpc":     {"udp": 68},
	"tftp":       {"udp": 69},
	"http":       {"tcp": 80},
	"pop3":       {"tcp": 110},
	"ntp":        {"udp": 123},
	"netbios-ns": {"udp": 137},
	"imap2":      {"tcp": 143},
	"snmp":       {"udp": 161},
	"https":      {"tcp": 443},
	"syslog":     {"udp": 514},
	"submission": {"tcp": 587},
	"imaps":      {"tcp": 993},
	"openvpn":    {"tcp": 1194, "udp": 1194},
	"pptp":       {"tcp": 1723},
	"sip":        {"tcp": 5060, "udp": 5060},
	"mdns":       {"udp": 5353},
}

// BuiltinCatalog returns a copy of the compiled-in catalog.
func BuiltinCatalog() MapCatalog {
	out := make(MapCatalog, len(builtinServices))
	for name, entry := range builtinServices {
		for proto, port := range entry {
			out.add(name, proto, port)
		}
	}
	return out
}

// LayeredCatalog consults each catalog in order and returns the first hit.
type LayeredCatalog []Catalog

// Lookup implements Catalog.
func (l LayeredCatalog) Lookup(name string) (map[string]int, bool) {
	for _, c := range l {
		if c == nil {
			continue
		}
		if entry, ok := c.Lookup(name); ok {
			return entry, true
		}
	}
	return nil, false
}

// SystemCatalog loads path and falls back to the builtin catalog for names
// it does not know. A missing file yields the builtin catalog alone.
func SystemCatalog(path string) (Catalog, error) {
	system, err := LoadServiceCatalog(path)
	if errors.Is(err, os.ErrNotExist) {
		return BuiltinCatalog(), nil
	}
	if err != nil {
		return nil, err
	}
	return LayeredCatalog{system, BuiltinCatalog()}, nil
}
