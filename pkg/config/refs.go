package config

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/openfroyo/straddle/pkg/engine"
)

// ParseReference parses the inside of a ${...} expression:
// module.type.name.output.
func ParseReference(expr string) (engine.Reference, error) {
	parts := strings.Split(strings.TrimSpace(expr), ".")
	if len(parts) != 4 {
		return engine.Reference{}, fmt.Errorf("invalid reference ${%s}: expected module.type.name.output", expr)
	}
	id := engine.NodeID{Module: parts[0], Type: parts[1], Name: parts[2]}
	if err := id.Validate(); err != nil {
		return engine.Reference{}, fmt.Errorf("invalid reference ${%s}: %w", expr, err)
	}
	if parts[3] == "" {
		return engine.Reference{}, fmt.Errorf("invalid reference ${%s}: empty output name", expr)
	}
	return engine.Reference{Node: id, Output: parts[3]}, nil
}

// ParseValue converts a decoded document value to an engine value.
//
// A string that is exactly one ${...} expression becomes a reference, and
// a string mixing text and expressions becomes an interpolation. "$${"
// escapes a literal "${". Lists are parsed element-wise. Maps are kept
// as literals and must not contain references.
func ParseValue(v interface{}) (engine.Value, error) {
	switch value := v.(type) {
	case string:
		return parseString(value)
	case []interface{}:
		items := make([]engine.Value, 0, len(value))
		for i, item := range value {
			parsed, err := ParseValue(item)
			if err != nil {
				return engine.Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items = append(items, parsed)
		}
		return engine.List(items...), nil
	case map[string]interface{}:
		if path, ok := findReference(value); ok {
			return engine.Value{}, fmt.Errorf("%s: references are not supported inside maps", path)
		}
		return engine.Lit(normalize(value)), nil
	default:
		return engine.Lit(normalize(value)), nil
	}
}

func parseString(s string) (engine.Value, error) {
	if !strings.Contains(s, "${") {
		return engine.Lit(s), nil
	}

	var (
		parts   []engine.Value
		literal strings.Builder
	)
	flush := func() {
		if literal.Len() > 0 {
			parts = append(parts, engine.Lit(literal.String()))
			literal.Reset()
		}
	}

	rest := s
	for {
		idx := strings.Index(rest, "${")
		if idx < 0 {
			literal.WriteString(rest)
			break
		}
		if idx > 0 && rest[idx-1] == '$' {
			literal.WriteString(rest[:idx-1])
			literal.WriteString("${")
			rest = rest[idx+2:]
			continue
		}
		literal.WriteString(rest[:idx])
		end := strings.IndexByte(rest[idx:], '}')
		if end < 0 {
			return engine.Value{}, fmt.Errorf("unterminated reference in %q", s)
		}
		ref, err := ParseReference(rest[idx+2 : idx+end])
		if err != nil {
			return engine.Value{}, err
		}
		flush()
		parts = append(parts, engine.Ref(ref.Node, ref.Output))
		rest = rest[idx+end+1:]
	}
	flush()

	if len(parts) == 1 {
		return parts[0], nil
	}
	return engine.Interp(parts...), nil
}

func findReference(m map[string]interface{}) (string, bool) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if strings.Contains(strings.ReplaceAll(v, "$${", ""), "${") {
				return k, true
			}
		case map[string]interface{}:
			if path, ok := findReference(v); ok {
				return k + "." + path, true
			}
		case []interface{}:
			for i, item := range v {
				if nested, ok := item.(map[string]interface{}); ok {
					if path, ok := findReference(nested); ok {
						return fmt.Sprintf("%s[%d].%s", k, i, path), true
					}
				}
				if str, ok := item.(string); ok && strings.Contains(strings.ReplaceAll(str, "$${", ""), "${") {
					return fmt.Sprintf("%s[%d]", k, i), true
				}
			}
		}
	}
	return "", false
}

// normalize turns whole JSON numbers back into ints so adapters and the
// input hash see the same value whichever format the document used.
func normalize(v interface{}) interface{} {
	switch value := v.(type) {
	case float64:
		if value == math.Trunc(value) && math.Abs(value) < 1<<53 {
			return int(value)
		}
		return value
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = normalize(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(value))
		for k, item := range value {
			out[k] = normalize(item)
		}
		return out
	default:
		return v
	}
}
