package policy

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/valyala/fasttemplate"
)

var variableNameRegex = regexp.MustCompile(`^[-a-zA-Z0-9_]+$`)

// Variable is one entry of the "variables" mapping: a plain string, or a
// join-list whose items are joined with Separator (default ",").
type Variable struct {
	Value     string
	Items     []string
	Separator string
	JoinList  bool
}

func (v Variable) raw() string {
	if !v.JoinList {
		return v.Value
	}
	sep := v.Separator
	if sep == "" {
		sep = ","
	}
	return strings.Join(v.Items, sep)
}

// Variables maps names to definitions. Values may reference other
// variables with ${name}.
type Variables map[string]Variable

func parseVariables(raw map[string]any) (Variables, error) {
	vars := make(Variables, len(raw))
	for name, value := range raw {
		if !variableNameRegex.MatchString(name) {
			return nil, fmt.Errorf("invalid variable name %q", name)
		}
		switch v := value.(type) {
		case string:
			vars[name] = Variable{Value: v}
		case map[string]any:
			typ, _ := v["type"].(string)
			if typ != "join-list" {
				return nil, fmt.Errorf("variable %q: unsupported type %q", name, typ)
			}
			items, ok := v["items"].([]any)
			if !ok {
				return nil, fmt.Errorf("variable %q: join-list needs an items list", name)
			}
			jl := Variable{JoinList: true}
			for _, it := range items {
				jl.Items = append(jl.Items, fmt.Sprint(it))
			}
			if sep, ok := v["separator"].(string); ok {
				jl.Separator = sep
			}
			vars[name] = jl
		default:
			vars[name] = Variable{Value: fmt.Sprint(v)}
		}
	}
	return vars, nil
}

// Resolve substitutes every variable's references and returns the final
// values. Reference cycles and undefined names are errors.
func (vars Variables) Resolve() (map[string]string, error) {
	r := &varResolver{vars: vars, done: make(map[string]string), active: make(map[string]bool)}
	for _, name := range sortedKeys(vars) {
		if _, err := r.resolve(name); err != nil {
			return nil, err
		}
	}
	return r.done, nil
}

type varResolver struct {
	vars   Variables
	done   map[string]string
	active map[string]bool
}

func (r *varResolver) resolve(name string) (string, error) {
	if v, ok := r.done[name]; ok {
		return v, nil
	}
	def, ok := r.vars[name]
	if !ok {
		return "", fmt.Errorf("undefined variable %q", name)
	}
	if r.active[name] {
		return "", fmt.Errorf("variable %q references itself", name)
	}
	r.active[name] = true
	defer delete(r.active, name)

	value, err := substitute(def.raw(), r.resolve)
	if err != nil {
		return "", fmt.Errorf("variable %q: %w", name, err)
	}
	r.done[name] = value
	return value, nil
}

func substitute(text string, lookup func(string) (string, error)) (string, error) {
	if !strings.Contains(text, "${") {
		return text, nil
	}
	return fasttemplate.ExecuteFuncStringWithErr(text, "${", "}", func(w io.Writer, tag string) (int, error) {
		if !variableNameRegex.MatchString(tag) {
			return 0, fmt.Errorf("invalid variable reference ${%s}", tag)
		}
		v, err := lookup(tag)
		if err != nil {
			return 0, err
		}
		return w.Write([]byte(v))
	})
}

// ExpandVariables substitutes ${name} references in chain names, rule
// entries, interface devices and host addresses.
func (d *Document) ExpandVariables() error {
	if len(d.Variables) == 0 {
		return nil
	}
	values, err := d.Variables.Resolve()
	if err != nil {
		return err
	}
	lookup := func(name string) (string, error) {
		v, ok := values[name]
		if !ok {
			return "", fmt.Errorf("undefined variable %q", name)
		}
		return v, nil
	}

	for i := range d.Chains {
		c := &d.Chains[i]
		name, err := substitute(c.Name, lookup)
		if err != nil {
			return fmt.Errorf("chain %q: %w", c.Name, err)
		}
		c.Name = name
		for j, entry := range c.Rules {
			expanded, err := expandValue(map[string]any(entry), lookup)
			if err != nil {
				return fmt.Errorf("chain %s rule %d: %w", c.Name, j, err)
			}
			c.Rules[j] = Entry(expanded.(map[string]any))
		}
	}
	for name, dev := range d.Interfaces {
		expanded, err := substitute(dev, lookup)
		if err != nil {
			return fmt.Errorf("interfaces.%s: %w", name, err)
		}
		d.Interfaces[name] = expanded
	}
	for alias, addrs := range d.Hosts {
		var out []string
		for _, a := range addrs {
			s, err := substitute(a, lookup)
			if err != nil {
				return fmt.Errorf("hosts.%s: %w", alias, err)
			}
			out = append(out, strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })...)
		}
		d.Hosts[alias] = out
	}
	return nil
}

func expandValue(v any, lookup func(string) (string, error)) (any, error) {
	switch val := v.(type) {
	case string:
		return substitute(val, lookup)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			e, err := expandValue(item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			e, err := expandValue(item, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = e
		}
		return out, nil
	default:
		return v, nil
	}
}
