// Package normalize implements the schema-driven default/validate/coerce
// pipeline shared by the persona registry and the authorization engine.
//
// A [Schema] is a set of named, typed attributes declared by a policy
// manifest. [Normalize] takes caller-supplied values, fills in defaults for
// absent ones, rejects missing required ones, and coerces every present
// value to its declared type - the same three-step pattern used by
// flowpilot-services' persona_config.py (apply_attribute_defaults /
// validate_required_attributes / coerce_attribute_value), generalized to
// run over any manifest's attribute set rather than one hardcoded domain.
package normalize

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"
)

// Type is the declared type of a manifest attribute.
type Type string

const (
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeFloat   Type = "float"
	TypeBoolean Type = "boolean"
	TypeDate    Type = "date"
	TypeEmail   Type = "email"
)

// Attribute describes one manifest-declared attribute.
type Attribute struct {
	Name     string
	Type     Type
	Default  any // nil if no default
	Required bool
}

// Schema is the set of attributes for one manifest, keyed by name.
type Schema map[string]Attribute

// ValidationError reports every missing required attribute in one error.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required attributes: %s", strings.Join(e.Missing, ", "))
}

// Normalize applies, in order: defaults for absent/nil values, required-ness
// validation, then type coercion for every attribute present in the schema.
// values is not mutated; a new map is returned.
func Normalize(values map[string]any, schema Schema) (map[string]any, error) {
	result := make(map[string]any, len(values))
	for k, v := range values {
		result[k] = v
	}

	for name, attr := range schema {
		if v, ok := result[name]; !ok || v == nil {
			if attr.Default != nil {
				result[name] = attr.Default
			}
		}
	}

	var missing []string
	for name, attr := range schema {
		if !attr.Required {
			continue
		}
		if v, ok := result[name]; !ok || v == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Missing: missing}
	}

	for name, attr := range schema {
		if v, ok := result[name]; ok {
			result[name] = Coerce(v, attr.Type)
		}
	}

	return result, nil
}

// Coerce converts a raw value to its declared manifest type, matching the
// zero-value-on-failure behavior of persona_config.py's
// coerce_attribute_value: a value that can't be coerced becomes the type's
// zero value rather than an error, since type mismatches are a policy
// authoring bug, not a caller error worth failing the request over.
func Coerce(v any, t Type) any {
	switch t {
	case TypeFloat:
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		case int:
			return float64(n)
		case int64:
			return float64(n)
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				return f
			}
		}
		return 0.0
	case TypeInteger:
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		case string:
			if i, err := strconv.Atoi(n); err == nil {
				return i
			}
		}
		return 0
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b
		}
		return false
	case TypeDate:
		if v == nil {
			return ""
		}
		return fmt.Sprintf("%v", v)
	case TypeEmail:
		s, _ := v.(string)
		return coerceEmail(s)
	default: // string, or unknown
		if v == nil {
			return ""
		}
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
}

func coerceEmail(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if _, err := mail.ParseAddress(s); err != nil {
		return ""
	}
	return s
}
