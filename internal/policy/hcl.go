package policy

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// HCL documents use one labelled block per chain and one block per rule:
//
//	variables = { admin = "10.0.0.5" }
//	chain "filter.INPUT" {
//	  default = "drop"
//	  rule {
//	    action   = "accept"
//	    src-host = "${admin}"
//	  }
//	}
//
// Variables are bound into the evaluation context, so references are plain
// HCL interpolation. Variable values themselves are literal; write $${name}
// inside them to refer to another variable.
var hclRootSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "interfaces"},
		{Name: "hosts"},
		{Name: "options"},
		{Name: "variables"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "chain", LabelNames: []string{"name"}},
	},
}

var hclChainSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "default"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "rule"},
	},
}

func decodeHCL(data []byte, filename string) (map[string]any, []rawChain, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, nil, errors.New(diags.Error())
	}

	content, diags := file.Body.Content(hclRootSchema)
	if diags.HasErrors() {
		return nil, nil, errors.New(diags.Error())
	}

	generic := make(map[string]any)
	if attr, ok := content.Attributes["variables"]; ok {
		v, err := evalHCLAttr(attr, nil)
		if err != nil {
			return nil, nil, err
		}
		generic["variables"] = v
	}

	ctx, err := hclEvalContext(generic["variables"])
	if err != nil {
		return nil, nil, err
	}

	for _, name := range []string{"interfaces", "hosts", "options"} {
		if attr, ok := content.Attributes[name]; ok {
			v, err := evalHCLAttr(attr, ctx)
			if err != nil {
				return nil, nil, err
			}
			generic[name] = v
		}
	}

	var chains []rawChain
	for _, block := range content.Blocks {
		name := block.Labels[0]
		chainContent, diags := block.Body.Content(hclChainSchema)
		if diags.HasErrors() {
			return nil, nil, fmt.Errorf("chain %q: %s", name, diags.Error())
		}

		body := make(map[string]any)
		if attr, ok := chainContent.Attributes["default"]; ok {
			v, err := evalHCLAttr(attr, ctx)
			if err != nil {
				return nil, nil, err
			}
			body["default"] = v
		}

		var rules []any
		for _, rb := range chainContent.Blocks {
			attrs, diags := rb.Body.JustAttributes()
			if diags.HasErrors() {
				return nil, nil, fmt.Errorf("chain %q: %s", name, diags.Error())
			}
			entry := make(map[string]any, len(attrs))
			for key, attr := range attrs {
				v, err := evalHCLAttr(attr, ctx)
				if err != nil {
					return nil, nil, err
				}
				entry[key] = v
			}
			rules = append(rules, entry)
		}
		if rules != nil {
			body["rules"] = rules
		}
		chains = append(chains, rawChain{Name: name, Body: body})
	}
	return generic, chains, nil
}

// hclEvalContext exposes resolved variables both as top-level names (when
// they are valid identifiers) and under the "var" object.
func hclEvalContext(rawVars any) (*hcl.EvalContext, error) {
	ctx := &hcl.EvalContext{Variables: map[string]cty.Value{}}
	m, err := asMap(rawVars, "variables")
	if err != nil || len(m) == 0 {
		ctx.Variables["var"] = cty.EmptyObjectVal
		return ctx, err
	}

	vars, err := parseVariables(m)
	if err != nil {
		return nil, err
	}
	values, err := vars.Resolve()
	if err != nil {
		return nil, err
	}

	obj := make(map[string]cty.Value, len(values))
	for name, value := range values {
		v := cty.StringVal(value)
		obj[name] = v
		if hclsyntax.ValidIdentifier(name) && name != "var" {
			ctx.Variables[name] = v
		}
	}
	ctx.Variables["var"] = cty.ObjectVal(obj)
	return ctx, nil
}

func evalHCLAttr(attr *hcl.Attribute, ctx *hcl.EvalContext) (any, error) {
	val, diags := attr.Expr.Value(ctx)
	if diags.HasErrors() {
		return nil, errors.New(diags.Error())
	}
	out, err := ctyToGo(val)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", attr.Name, err)
	}
	return out, nil
}

// ctyToGo converts a cty value into plain JSON-shaped Go values.
func ctyToGo(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsWhollyKnown() {
		return nil, errors.New("value is not known")
	}
	data, err := ctyjson.SimpleJSONValue{Value: val}.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
