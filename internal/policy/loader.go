package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Format identifies a policy document syntax.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
	FormatTOML Format = "toml"
)

// LoadOptions controls how documents are loaded.
type LoadOptions struct {
	// Format overrides extension based detection.
	Format Format

	// SkipVariables leaves ${name} references unexpanded.
	SkipVariables bool

	// SkipValidation returns the document even if Validate reports errors.
	SkipValidation bool
}

// LoadResult contains the loaded document and metadata about the load.
type LoadResult struct {
	Document *Document
	Format   Format
	Warnings []string
}

// rawChain is one chain as decoded by a format front end, in document order.
type rawChain struct {
	Name string
	Body map[string]any
}

// LoadFile loads a policy document with default options.
func LoadFile(path string) (*Document, error) {
	result, err := LoadFileWithOptions(path, LoadOptions{})
	if err != nil {
		return nil, err
	}
	return result.Document, nil
}

// LoadFileWithOptions loads a policy document and records its mtime and
// fingerprint in Document.Source.
func LoadFileWithOptions(path string, opts LoadOptions) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy file: %w", err)
	}

	format := opts.Format
	if format == "" {
		format = DetectFormat(path)
	}

	var result *LoadResult
	if format == "" {
		// Unknown extension: JSON first, then YAML.
		result, err = Load(data, path, FormatJSON, opts)
		if err != nil {
			var verr ValidationErrors
			if errors.As(err, &verr) {
				return nil, err
			}
			result, err = Load(data, path, FormatYAML, opts)
		}
	} else {
		result, err = Load(data, path, format, opts)
	}
	if err != nil {
		return nil, err
	}

	result.Document.Source.ModTime = info.ModTime()
	return result, nil
}

// DetectFormat maps a file extension to a format, or "" if unknown.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	case ".hcl":
		return FormatHCL
	case ".toml":
		return FormatTOML
	}
	return ""
}

// Fingerprint returns the hex SHA-256 of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Load parses data in the given format.
func Load(data []byte, filename string, format Format, opts LoadOptions) (*LoadResult, error) {
	var (
		top    map[string]any
		chains []rawChain
		err    error
	)
	switch format {
	case FormatJSON:
		top, chains, err = decodeJSON(data)
	case FormatYAML:
		top, chains, err = decodeYAML(data)
	case FormatHCL:
		top, chains, err = decodeHCL(data, filename)
	case FormatTOML:
		top, chains, err = decodeTOML(data)
	default:
		return nil, fmt.Errorf("unsupported policy format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("%s parse error: %w", strings.ToUpper(string(format)), err)
	}

	doc, warnings, err := buildDocument(top, chains)
	if err != nil {
		return nil, err
	}
	doc.Source = Source{Path: filename, Fingerprint: Fingerprint(data)}

	if !opts.SkipVariables {
		if err := doc.ExpandVariables(); err != nil {
			return nil, fmt.Errorf("expanding variables: %w", err)
		}
	}

	verrs := doc.Validate()
	for _, w := range verrs.Warnings() {
		warnings = append(warnings, w.Error())
	}
	if verrs.HasErrors() && !opts.SkipValidation {
		return nil, verrs.Errors()
	}

	return &LoadResult{Document: doc, Format: format, Warnings: warnings}, nil
}

// buildDocument converts the format-neutral decode result.
func buildDocument(top map[string]any, chains []rawChain) (*Document, []string, error) {
	doc := &Document{
		Interfaces: make(map[string]string),
		Hosts:      make(map[string][]string),
	}
	var warnings []string

	for _, key := range sortedKeys(top) {
		value := top[key]
		switch key {
		case "interfaces":
			m, err := asMap(value, "interfaces")
			if err != nil {
				return nil, nil, err
			}
			for name, dev := range m {
				s, ok := dev.(string)
				if !ok {
					return nil, nil, fmt.Errorf("interfaces.%s: device must be a string, got %T", name, dev)
				}
				doc.Interfaces[name] = s
			}
		case "hosts":
			m, err := asMap(value, "hosts")
			if err != nil {
				return nil, nil, err
			}
			for alias, v := range m {
				addrs, err := stringList(v)
				if err != nil {
					return nil, nil, fmt.Errorf("hosts.%s: %w", alias, err)
				}
				doc.Hosts[alias] = addrs
			}
		case "options":
			m, err := asMap(value, "options")
			if err != nil {
				return nil, nil, err
			}
			opts, unknown, err := decodeOptions(m)
			if err != nil {
				return nil, nil, err
			}
			for _, k := range unknown {
				warnings = append(warnings, fmt.Sprintf("options.%s: unknown option ignored", k))
			}
			doc.Options = opts
		case "variables":
			m, err := asMap(value, "variables")
			if err != nil {
				return nil, nil, err
			}
			vars, err := parseVariables(m)
			if err != nil {
				return nil, nil, err
			}
			doc.Variables = vars
		default:
			warnings = append(warnings, fmt.Sprintf("%s: unknown top-level key ignored", key))
		}
	}

	for _, rc := range chains {
		spec := ChainSpec{Name: rc.Name}
		for _, key := range sortedKeys(rc.Body) {
			value := rc.Body[key]
			switch key {
			case "default":
				s, ok := value.(string)
				if !ok {
					return nil, nil, fmt.Errorf("chains.%s.default: must be a string, got %T", rc.Name, value)
				}
				spec.Default = s
			case "rules":
				list, ok := value.([]any)
				if !ok && value != nil {
					return nil, nil, fmt.Errorf("chains.%s.rules: must be a list, got %T", rc.Name, value)
				}
				for i, item := range list {
					m, ok := item.(map[string]any)
					if !ok {
						return nil, nil, fmt.Errorf("chains.%s.rules[%d]: must be a mapping, got %T", rc.Name, i, item)
					}
					spec.Rules = append(spec.Rules, Entry(m))
				}
			default:
				warnings = append(warnings, fmt.Sprintf("chains.%s.%s: unknown key ignored", rc.Name, key))
			}
		}
		doc.Chains = append(doc.Chains, spec)
	}
	return doc, warnings, nil
}

func asMap(v any, field string) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: must be a mapping, got %T", field, v)
	}
	return m, nil
}

func stringList(v any) ([]string, error) {
	switch val := v.(type) {
	case string:
		return []string{strings.TrimSpace(val)}, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list items must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be a string or list of strings, got %T", v)
	}
}
