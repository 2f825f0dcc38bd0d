package bootstrap

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// Predicate evaluates readiness expressions. An expression is a Starlark
// boolean over the node's outputs, e.g. `state == "running" and public_ip != ""`.
// Every output is bound as a global; `outputs` holds them all as a dict.
type Predicate struct {
	timeout time.Duration
}

// NewPredicate creates a predicate evaluator.
func NewPredicate(timeout time.Duration) *Predicate {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Predicate{timeout: timeout}
}

// Check parses the expression without evaluating it. Names are not
// resolved: outputs only exist once the node is applied.
func (p *Predicate) Check(expr string) error {
	if _, err := syntax.ParseExpr("readiness", expr, 0); err != nil {
		return fmt.Errorf("invalid readiness expression: %w", err)
	}
	return nil
}

// Holds reports whether the expression is true for outputs.
func (p *Predicate) Holds(ctx context.Context, expr string, outputs map[string]interface{}) (bool, error) {
	evalCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type outcome struct {
		value bool
		err   error
	}
	thread := &starlark.Thread{
		Name:  "readiness",
		Print: func(_ *starlark.Thread, msg string) {},
	}

	done := make(chan outcome, 1)
	go func() {
		v, err := p.eval(thread, expr, outputs)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		done <- outcome{value: bool(v.Truth())}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("readiness evaluation deadline exceeded")
		return false, fmt.Errorf("readiness evaluation timeout after %v", p.timeout)
	case o := <-done:
		return o.value, o.err
	}
}

func (p *Predicate) eval(thread *starlark.Thread, expr string, outputs map[string]interface{}) (starlark.Value, error) {
	all := starlark.NewDict(len(outputs))
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}

	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		v, err := toStarlarkValue(outputs[key])
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", key, err)
		}
		predeclared[key] = v
		if err := all.SetKey(starlark.String(key), v); err != nil {
			return nil, err
		}
	}
	predeclared["outputs"] = all

	return starlark.Eval(thread, "readiness", expr, predeclared)
}

// toStarlarkValue converts an adapter attribute to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return starlark.String(fmt.Sprint(val)), nil
	}
}
