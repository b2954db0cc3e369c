package config

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// fileOptions permits top-level loops so catalogs can generate units.
var fileOptions = &syntax.FileOptions{
	TopLevelControl: true,
	GlobalReassign:  true,
	Set:             true,
}

// StarlarkEvaluator builds unit catalogs from Starlark scripts.
//
// Scripts declare units with the unit() builtin and set the scope with
// scope() or a top-level SCOPE variable:
//
//	scope("dev")
//	vpc = unit(id = "vpc", command = "terraform", args = ["apply"])
//	for name in ["subnet-a", "subnet-b"]:
//	    unit(id = name, command = "terraform", depends_on = [vpc])
//
// unit() returns the unit ID so it can be used in later depends_on lists.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate executes script with input exposed as predeclared globals.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*UnitsFile, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	file := &UnitsFile{SourceFiles: []string{filename}}
	thread := &starlark.Thread{
		Name:  "gaia-catalog",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(fmt.Sprintf("execution timeout after %v", se.timeout))
		case <-done:
		}
	}()

	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"unit":   starlark.NewBuiltin("unit", unitBuiltin(file)),
		"scope":  starlark.NewBuiltin("scope", scopeBuiltin(file)),
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	globals, err := starlark.ExecFileOptions(fileOptions, thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	if file.Scope == "" {
		if s, ok := globals["SCOPE"].(starlark.String); ok {
			file.Scope = string(s)
		}
	}
	return file, nil
}

func scopeBuiltin(file *UnitsFile) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
			return nil, err
		}
		file.Scope = name
		return starlark.None, nil
	}
}

func unitBuiltin(file *UnitsFile) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			uc         UnitConfig
			argList    *starlark.List
			deps       *starlark.List
			env        *starlark.Dict
			labels     *starlark.Dict
			maxRetries starlark.Value = starlark.None
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs,
			"id", &uc.ID,
			"command", &uc.Command,
			"args?", &argList,
			"depends_on?", &deps,
			"name?", &uc.Name,
			"workdir?", &uc.WorkDir,
			"priority?", &uc.Priority,
			"timeout?", &uc.Timeout,
			"max_retries?", &maxRetries,
			"env?", &env,
			"labels?", &labels,
		); err != nil {
			return nil, err
		}

		var err error
		if uc.Args, err = stringList(argList); err != nil {
			return nil, fmt.Errorf("%s: args: %w", b.Name(), err)
		}
		if uc.DependsOn, err = stringList(deps); err != nil {
			return nil, fmt.Errorf("%s: depends_on: %w", b.Name(), err)
		}
		if uc.Env, err = stringDict(env); err != nil {
			return nil, fmt.Errorf("%s: env: %w", b.Name(), err)
		}
		if uc.Labels, err = stringDict(labels); err != nil {
			return nil, fmt.Errorf("%s: labels: %w", b.Name(), err)
		}
		if maxRetries != starlark.None {
			n, err := starlark.AsInt32(maxRetries)
			if err != nil {
				return nil, fmt.Errorf("%s: max_retries: %w", b.Name(), err)
			}
			uc.MaxRetries = &n
		}

		file.Units = append(file.Units, uc)
		return starlark.String(uc.ID), nil
	}
}

func stringList(list *starlark.List) ([]string, error) {
	if list == nil {
		return nil, nil
	}
	out := make([]string, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		s, ok := starlark.AsString(list.Index(i))
		if !ok {
			return nil, fmt.Errorf("element %d is %s, want string", i, list.Index(i).Type())
		}
		out = append(out, s)
	}
	return out, nil
}

func stringDict(dict *starlark.Dict) (map[string]string, error) {
	if dict == nil {
		return nil, nil
	}
	out := make(map[string]string, dict.Len())
	for _, item := range dict.Items() {
		k, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("key %s is not a string", item[0])
		}
		v, err := fromStarlarkValue(item[1])
		if err != nil {
			return nil, err
		}
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
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
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
