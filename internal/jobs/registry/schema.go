package registry

import (
	"fmt"
	"math"
	"regexp"
	"sync"
)

// Parameter validation is centralized here: controllers and handlers never
// re-check fields ad hoc. The schema is declarative data, not struct tags,
// because job types are registered at runtime and their parameter shapes
// are not known to the compiler.

type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
)

type FieldSpec struct {
	Type          FieldType
	Required      bool
	Default       interface{}
	AllowedValues []interface{}
	Pattern       string
}

type ParameterSchema map[string]FieldSpec

// FieldIssue is one per-field validation violation.
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

var (
	patternMu    sync.Mutex
	patternCache = map[string]*regexp.Regexp{}
)

func compilePattern(p string) (*regexp.Regexp, error) {
	patternMu.Lock()
	defer patternMu.Unlock()
	if re, ok := patternCache[p]; ok {
		return re, nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}
	patternCache[p] = re
	return re, nil
}

// Validate checks params against the schema and returns the normalized
// parameter map (defaults applied, numeric types coerced) plus any issues.
// Unknown fields are rejected so typos surface at submit time.
func (s ParameterSchema) Validate(params map[string]interface{}) (map[string]interface{}, []FieldIssue) {
	var issues []FieldIssue
	out := make(map[string]interface{}, len(s))

	for name := range params {
		if _, ok := s[name]; !ok {
			issues = append(issues, FieldIssue{Field: name, Message: "unknown parameter"})
		}
	}

	for name, spec := range s {
		raw, present := params[name]
		if !present || raw == nil {
			if spec.Default != nil {
				out[name] = spec.Default
				continue
			}
			if spec.Required {
				issues = append(issues, FieldIssue{Field: name, Message: "required parameter missing"})
			}
			continue
		}

		val, err := coerce(spec.Type, raw)
		if err != nil {
			issues = append(issues, FieldIssue{Field: name, Message: err.Error()})
			continue
		}

		if len(spec.AllowedValues) > 0 && !allowed(spec, val) {
			issues = append(issues, FieldIssue{Field: name, Message: fmt.Sprintf("value %v not in allowed set", val)})
			continue
		}

		if spec.Pattern != "" {
			str, ok := val.(string)
			if !ok {
				issues = append(issues, FieldIssue{Field: name, Message: "pattern constraint requires a string value"})
				continue
			}
			re, err := compilePattern(spec.Pattern)
			if err != nil {
				issues = append(issues, FieldIssue{Field: name, Message: fmt.Sprintf("invalid schema pattern: %v", err)})
				continue
			}
			if !re.MatchString(str) {
				issues = append(issues, FieldIssue{Field: name, Message: fmt.Sprintf("value %q does not match %s", str, spec.Pattern)})
				continue
			}
		}

		out[name] = val
	}

	if len(issues) > 0 {
		return nil, issues
	}
	return out, nil
}

// coerce normalizes a decoded JSON value into the schema type. JSON numbers
// arrive as float64; integral floats are accepted for int fields.
func coerce(t FieldType, raw interface{}) (interface{}, error) {
	switch t {
	case FieldString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return s, nil
	case FieldInt:
		switch v := raw.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			return int(v), nil
		default:
			return nil, fmt.Errorf("expected integer, got %T", raw)
		}
	case FieldFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		default:
			return nil, fmt.Errorf("expected number, got %T", raw)
		}
	case FieldBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", raw)
		}
		return b, nil
	case FieldObject:
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expected object, got %T", raw)
		}
		return m, nil
	case FieldArray:
		a, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", raw)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown field type %q", t)
	}
}

func allowed(spec FieldSpec, val interface{}) bool {
	for _, a := range spec.AllowedValues {
		norm, err := coerce(spec.Type, a)
		if err == nil && norm == val {
			return true
		}
	}
	return false
}
