package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
)

func decodeJSON(data []byte) (map[string]any, []rawChain, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, nil, err
	}

	generic := make(map[string]any, len(top))
	var chains []rawChain
	for key, raw := range top {
		if key == "chains" {
			c, err := decodeJSONChains(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("chains: %w", err)
			}
			chains = c
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", key, err)
		}
		generic[key] = v
	}
	return generic, chains, nil
}

// decodeJSONChains walks the chains object token by token so that chain
// order survives decoding.
func decodeJSONChains(raw json.RawMessage) ([]rawChain, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected an object")
	}

	var chains []rawChain
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", keyTok)
		}
		var body map[string]any
		if err := dec.Decode(&body); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		chains = append(chains, rawChain{Name: name, Body: body})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return chains, nil
}
