package policy

import (
	"github.com/pelletier/go-toml/v2"
)

// TOML documents spell chains as an array of tables so that order is kept:
//
//	[[chain]]
//	name = "filter.INPUT"
//	default = "drop"
//
//	[[chain.rule]]
//	action = "accept"
type tomlDocument struct {
	Chains     []tomlChain    `toml:"chain"`
	Interfaces map[string]any `toml:"interfaces"`
	Hosts      map[string]any `toml:"hosts"`
	Options    map[string]any `toml:"options"`
	Variables  map[string]any `toml:"variables"`
}

type tomlChain struct {
	Name    string           `toml:"name"`
	Default string           `toml:"default"`
	Rules   []map[string]any `toml:"rule"`
}

func decodeTOML(data []byte) (map[string]any, []rawChain, error) {
	var doc tomlDocument
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, nil, err
	}

	generic := make(map[string]any)
	if doc.Interfaces != nil {
		generic["interfaces"] = doc.Interfaces
	}
	if doc.Hosts != nil {
		generic["hosts"] = doc.Hosts
	}
	if doc.Options != nil {
		generic["options"] = doc.Options
	}
	if doc.Variables != nil {
		generic["variables"] = doc.Variables
	}

	chains := make([]rawChain, 0, len(doc.Chains))
	for _, c := range doc.Chains {
		body := make(map[string]any)
		if c.Default != "" {
			body["default"] = c.Default
		}
		if len(c.Rules) > 0 {
			rules := make([]any, len(c.Rules))
			for i, r := range c.Rules {
				rules[i] = r
			}
			body["rules"] = rules
		}
		chains = append(chains, rawChain{Name: c.Name, Body: body})
	}
	return generic, chains, nil
}
