package policy

import (
	"fmt"

	"gopkg.in/yaml.v2"
)

func decodeYAML(data []byte) (map[string]any, []rawChain, error) {
	var top yaml.MapSlice
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, nil, err
	}

	generic := make(map[string]any, len(top))
	var chains []rawChain
	for _, item := range top {
		key := fmt.Sprint(item.Key)
		if key != "chains" {
			generic[key] = normalizeYAML(item.Value)
			continue
		}
		slice, ok := item.Value.(yaml.MapSlice)
		if !ok && item.Value != nil {
			return nil, nil, fmt.Errorf("chains: must be a mapping, got %T", item.Value)
		}
		for _, c := range slice {
			name := fmt.Sprint(c.Key)
			var body map[string]any
			if c.Value != nil {
				m, ok := normalizeYAML(c.Value).(map[string]any)
				if !ok {
					return nil, nil, fmt.Errorf("chains.%s: must be a mapping", name)
				}
				body = m
			}
			chains = append(chains, rawChain{Name: name, Body: body})
		}
	}
	return generic, chains, nil
}

// normalizeYAML converts yaml.v2's interface-keyed maps into string-keyed
// ones.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case yaml.MapSlice:
		m := make(map[string]any, len(val))
		for _, item := range val {
			m[fmt.Sprint(item.Key)] = normalizeYAML(item.Value)
		}
		return m
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return m
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}
