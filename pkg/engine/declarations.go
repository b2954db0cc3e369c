package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// DeclarationKind identifies the shape of a raw dependency declaration.
type DeclarationKind int

const (
	// DeclarationNone is an absent or unrecognized declaration.
	DeclarationNone DeclarationKind = iota

	// DeclarationList is a flat list of unit IDs.
	DeclarationList

	// DeclarationMap groups unit IDs under arbitrary keys.
	DeclarationMap
)

// String returns the kind name.
func (k DeclarationKind) String() string {
	switch k {
	case DeclarationList:
		return "list"
	case DeclarationMap:
		return "map"
	default:
		return "none"
	}
}

// Declaration is the normalized form of the dependency data a Describer returns.
// Exactly one of List or Map is meaningful, as selected by Kind.
type Declaration struct {
	Kind DeclarationKind
	List []string
	Map  map[string][]string
}

// ListDeclaration builds a list-form declaration.
func ListDeclaration(ids ...string) Declaration {
	return Declaration{Kind: DeclarationList, List: ids}
}

// MapDeclaration builds a map-form declaration.
func MapDeclaration(groups map[string][]string) Declaration {
	return Declaration{Kind: DeclarationMap, Map: groups}
}

// Dependencies flattens the declaration into an ordered list of unique IDs.
// Map-form groups are visited in sorted key order.
func (d Declaration) Dependencies() []string {
	var raw []string
	switch d.Kind {
	case DeclarationList:
		raw = d.List
	case DeclarationMap:
		keys := make([]string, 0, len(d.Map))
		for k := range d.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			raw = append(raw, d.Map[k]...)
		}
	}

	seen := make(map[string]bool, len(raw))
	deps := make([]string, 0, len(raw))
	for _, id := range raw {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		deps = append(deps, id)
	}
	return deps
}

// ParseDeclaration converts decoded YAML/JSON data into a Declaration.
// Accepted shapes are a string, a list of strings, or a map whose values are
// strings or lists of strings. Anything else yields DeclarationNone.
func ParseDeclaration(raw interface{}) Declaration {
	switch v := raw.(type) {
	case nil:
		return Declaration{}
	case string:
		return ListDeclaration(v)
	case []string:
		return ListDeclaration(v...)
	case []interface{}:
		return ListDeclaration(stringsOf(v)...)
	case map[string][]string:
		return MapDeclaration(v)
	case map[string]interface{}:
		groups := make(map[string][]string, len(v))
		for k, val := range v {
			groups[k] = ParseDeclaration(val).Dependencies()
		}
		return MapDeclaration(groups)
	case map[interface{}]interface{}:
		groups := make(map[string][]string, len(v))
		for k, val := range v {
			groups[fmt.Sprint(k)] = ParseDeclaration(val).Dependencies()
		}
		return MapDeclaration(groups)
	default:
		return Declaration{}
	}
}

func stringsOf(items []interface{}) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch s := item.(type) {
		case string:
			out = append(out, s)
		case map[string]interface{}:
			// {component: name} entries
			if name, ok := s["component"].(string); ok {
				out = append(out, name)
			}
		}
	}
	return out
}

// MultiDescriber merges the declarations of several describers.
// It fails only when every describer fails.
type MultiDescriber []Describer

// Describe implements Describer.
func (m MultiDescriber) Describe(ctx context.Context, scope, unitID string) (Declaration, error) {
	var (
		deps []string
		errs []error
	)
	for _, d := range m {
		decl, err := d.Describe(ctx, scope, unitID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		deps = append(deps, decl.Dependencies()...)
	}
	if len(m) > 0 && len(errs) == len(m) {
		return Declaration{}, errors.Join(errs...)
	}
	return ListDeclaration(ListDeclaration(deps...).Dependencies()...), nil
}
