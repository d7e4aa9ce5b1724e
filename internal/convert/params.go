package convert

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/models"
)

// Parameter types.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

var paramRef = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// resolveParams checks supplied values against the declared parameters and
// fills in defaults. Undeclared supplied parameters produce warnings.
func resolveParams(declared []models.TemplateParameter, supplied map[string]any) (map[string]any, []string, error) {
	values := make(map[string]any, len(declared))
	known := make(map[string]bool, len(declared))
	var missing []string

	for _, p := range declared {
		known[p.Name] = true
		v, ok := supplied[p.Name]
		if !ok || v == nil {
			if len(p.DefaultValue) > 0 && string(p.DefaultValue) != "null" {
				def, err := decodeValue(p.DefaultValue)
				if err != nil {
					return nil, nil, fmt.Errorf("convert: parameter %q has invalid default: %v: %w", p.Name, err, fault.ErrParameterTypeError)
				}
				values[p.Name] = def
				continue
			}
			if p.Required {
				missing = append(missing, p.Name)
			}
			continue
		}
		norm, err := normalize(v)
		if err != nil {
			return nil, nil, fmt.Errorf("convert: parameter %q: %v: %w", p.Name, err, fault.ErrParameterTypeError)
		}
		if !typeMatches(p.ParamType, norm) {
			return nil, nil, fmt.Errorf("convert: parameter %q: want %s, got %s: %w", p.Name, paramType(p), jsonType(norm), fault.ErrParameterTypeError)
		}
		values[p.Name] = norm
	}
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("convert: missing required parameters %s: %w", strings.Join(missing, ", "), fault.ErrMissingParameter)
	}

	var warnings []string
	extra := make([]string, 0)
	for name := range supplied {
		if !known[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		warnings = append(warnings, fmt.Sprintf("parameter %q is not declared by the template", name))
	}
	return values, warnings, nil
}

// normalize round-trips v through JSON so Go values and decoded JSON
// compare alike. Numbers become canonical json.Number values.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeValue(raw)
}

func paramType(p models.TemplateParameter) string {
	if p.ParamType == "" {
		return TypeString
	}
	return p.ParamType
}

func typeMatches(want string, v any) bool {
	switch want {
	case "", TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		_, ok := v.(json.Number)
		return ok
	case TypeInteger:
		n, ok := v.(json.Number)
		return ok && isInteger(n)
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	}
	return false
}

func jsonType(v any) string {
	switch v.(type) {
	case string:
		return TypeString
	case json.Number:
		return TypeNumber
	case bool:
		return TypeBoolean
	case map[string]any:
		return TypeObject
	case []any:
		return TypeArray
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

// substituter replaces {{name}} references with parameter values and
// remembers references to unknown names.
type substituter struct {
	values  map[string]any
	unknown map[string]bool
}

func (s *substituter) text(in string) string {
	return paramRef.ReplaceAllStringFunc(in, func(m string) string {
		name := paramRef.FindStringSubmatch(m)[1]
		v, ok := s.values[name]
		if !ok {
			s.unknown[name] = true
			return m
		}
		if str, ok := v.(string); ok {
			return str
		}
		raw, _ := json.Marshal(v)
		return string(raw)
	})
}

// value substitutes inside arbitrary config values. A string consisting of a
// single reference is replaced by the typed parameter value.
func (s *substituter) value(in any) any {
	switch v := in.(type) {
	case string:
		if m := paramRef.FindStringSubmatch(v); m != nil && strings.TrimSpace(v) == m[0] {
			if pv, ok := s.values[m[1]]; ok {
				return pv
			}
		}
		return s.text(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = s.value(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = s.value(item)
		}
		return out
	}
	return in
}

func (s *substituter) warnings() []string {
	names := make([]string, 0, len(s.unknown))
	for n := range s.unknown {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = fmt.Sprintf("reference {{%s}} has no parameter value", n)
	}
	return out
}

// apply substitutes parameters throughout the graph in place.
func (s *substituter) apply(g *Graph) {
	for i := range g.Conditions {
		g.Conditions[i] = s.text(g.Conditions[i])
	}
	for i := range g.Blocks {
		b := &g.Blocks[i]
		b.Name = s.text(b.Name)
		b.Content = s.text(b.Content)
		b.ToolID = s.text(b.ToolID)
		if b.Config != nil {
			b.Config = s.value(b.Config).(map[string]any)
		}
	}
	for i := range g.Edges {
		g.Edges[i].Condition = s.text(g.Edges[i].Condition)
	}
}
