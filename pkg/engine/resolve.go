package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// OutputLookup returns the published outputs of a producer, and false when
// the producer is not ready.
type OutputLookup func(NodeID) (Attributes, bool)

// ResolveValue computes the concrete value of v using producer outputs.
func ResolveValue(v Value, lookup OutputLookup) (interface{}, error) {
	switch v.Kind {
	case KindLiteral:
		return v.Literal, nil

	case KindReference:
		if v.Ref == nil {
			return nil, fmt.Errorf("empty reference")
		}
		outputs, ok := lookup(v.Ref.Node)
		if !ok {
			return nil, fmt.Errorf("producer %s is not ready", v.Ref.Node)
		}
		val, ok := outputs[v.Ref.Output]
		if !ok {
			return nil, fmt.Errorf("producer %s did not report output %q", v.Ref.Node, v.Ref.Output)
		}
		return val, nil

	case KindList:
		items := make([]interface{}, 0, len(v.Items))
		for _, item := range v.Items {
			resolved, err := ResolveValue(item, lookup)
			if err != nil {
				return nil, err
			}
			// a reference to a list output inside a list is flattened
			if nested, ok := resolved.([]interface{}); ok && item.Kind == KindReference {
				items = append(items, nested...)
				continue
			}
			if nested, ok := resolved.([]string); ok && item.Kind == KindReference {
				for _, s := range nested {
					items = append(items, s)
				}
				continue
			}
			items = append(items, resolved)
		}
		return items, nil

	case KindInterpolation:
		var b strings.Builder
		for _, part := range v.Items {
			resolved, err := ResolveValue(part, lookup)
			if err != nil {
				return nil, err
			}
			if resolved != nil {
				b.WriteString(fmt.Sprint(resolved))
			}
		}
		return b.String(), nil

	default:
		return nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
}

// ResolveInputs resolves every input of node.
func ResolveInputs(node *ResourceNode, lookup OutputLookup) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(node.Inputs))
	for key, value := range node.Inputs {
		v, err := ResolveValue(value, lookup)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", key, err)
		}
		resolved[key] = v
	}
	return resolved, nil
}

// InputHash fingerprints a node's target, declared inputs and bootstrap
// spec. References contribute their ${...} form, so the hash is stable
// across runs.
func InputHash(node *ResourceNode) string {
	keys := make([]string, 0, len(node.Inputs))
	for k := range node.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	canonical := make([][2]interface{}, 0, len(keys)+2)
	canonical = append(canonical, [2]interface{}{"target", string(node.Target)})
	for _, k := range keys {
		canonical = append(canonical, [2]interface{}{k, canonicalValue(node.Inputs[k])})
	}
	if node.Bootstrap != nil {
		canonical = append(canonical, [2]interface{}{"bootstrap", canonicalBootstrap(node.Bootstrap)})
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		data = []byte(fmt.Sprint(canonical))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalBootstrap excludes timeouts, which do not change what runs on the host.
func canonicalBootstrap(spec *BootstrapSpec) interface{} {
	steps := make([]interface{}, 0, len(spec.Steps))
	for _, step := range spec.Steps {
		steps = append(steps, []interface{}{
			string(step.Kind), step.Name, step.Source, step.Content,
			step.Destination, uint32(step.Mode), step.Command, step.AlreadyDone,
		})
	}
	conn := spec.Connection
	return []interface{}{
		[]interface{}{canonicalValue(conn.Host), conn.Port, conn.User, conn.AuthMethod, conn.Credential},
		spec.Readiness,
		steps,
	}
}

func canonicalValue(v Value) interface{} {
	switch v.Kind {
	case KindList:
		items := make([]interface{}, 0, len(v.Items))
		for _, item := range v.Items {
			items = append(items, canonicalValue(item))
		}
		return items
	case KindLiteral:
		return v.Literal
	default:
		return v.String()
	}
}
