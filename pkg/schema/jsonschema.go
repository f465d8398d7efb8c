package schema

import (
	"strconv"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// JSONSchema renders the shape as an object schema for MCP tool listings.
// Only the rules with a direct JSON Schema counterpart are carried over.
func (s Shape) JSONSchema() *jsonschema.Schema {
	root := &jsonschema.Schema{
		Type:        "object",
		Description: s.Description,
		Properties:  make(map[string]*jsonschema.Schema, len(s.Fields)),
	}
	for _, f := range s.Fields {
		prop := &jsonschema.Schema{
			Type:        string(f.Kind),
			Description: f.Description,
		}
		applyRules(prop, f)
		root.Properties[f.Name] = prop
		if f.Required {
			root.Required = append(root.Required, f.Name)
		}
	}
	return root
}

func applyRules(prop *jsonschema.Schema, f Field) {
	for _, rule := range strings.Split(f.Rules, ",") {
		name, param, _ := strings.Cut(strings.TrimSpace(rule), "=")
		switch name {
		case "oneof":
			for _, v := range strings.Fields(param) {
				prop.Enum = append(prop.Enum, v)
			}
		case "min", "max":
			n, err := strconv.ParseFloat(param, 64)
			if err != nil {
				continue
			}
			setBound(prop, f.Kind, name == "min", n)
		}
	}
}

func setBound(prop *jsonschema.Schema, kind Kind, lower bool, n float64) {
	i := int(n)
	switch kind {
	case KindString:
		if lower {
			prop.MinLength = &i
		} else {
			prop.MaxLength = &i
		}
	case KindArray:
		if lower {
			prop.MinItems = &i
		} else {
			prop.MaxItems = &i
		}
	case KindNumber, KindInteger:
		if lower {
			prop.Minimum = &n
		} else {
			prop.Maximum = &n
		}
	}
}
