package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseDeclaration(t *testing.T) {
	tests := []struct {
		name string
		raw  interface{}
		kind DeclarationKind
		want []string
	}{
		{name: "nil", raw: nil, kind: DeclarationNone, want: []string{}},
		{name: "single string", raw: "vpc", kind: DeclarationList, want: []string{"vpc"}},
		{
			name: "list",
			raw:  []interface{}{"vpc", "subnet", "vpc"},
			kind: DeclarationList,
			want: []string{"vpc", "subnet"},
		},
		{
			name: "list of component maps",
			raw:  []interface{}{map[string]interface{}{"component": "vpc"}, "dns"},
			kind: DeclarationList,
			want: []string{"vpc", "dns"},
		},
		{
			name: "map of lists sorted by key",
			raw: map[string]interface{}{
				"network": []interface{}{"vpc"},
				"data":    []interface{}{"rds", "vpc"},
			},
			kind: DeclarationMap,
			want: []string{"rds", "vpc"},
		},
		{
			name: "nested state form",
			raw: map[string]interface{}{
				"dependencies": []interface{}{"eks"},
			},
			kind: DeclarationMap,
			want: []string{"eks"},
		},
		{name: "unsupported", raw: 42, kind: DeclarationNone, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decl := ParseDeclaration(tt.raw)
			if decl.Kind != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, decl.Kind)
			}
			if diff := cmp.Diff(tt.want, decl.Dependencies()); diff != "" {
				t.Errorf("Dependencies mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMultiDescriber(t *testing.T) {
	static := DescriberFunc(func(ctx context.Context, scope, id string) (Declaration, error) {
		return ListDeclaration("vpc"), nil
	})
	failing := DescriberFunc(func(ctx context.Context, scope, id string) (Declaration, error) {
		return Declaration{}, errors.New("describe failed")
	})
	dynamic := DescriberFunc(func(ctx context.Context, scope, id string) (Declaration, error) {
		return MapDeclaration(map[string][]string{"x": {"dns", "vpc"}}), nil
	})

	decl, err := MultiDescriber{static, failing, dynamic}.Describe(context.Background(), "s", "eks")
	if err != nil {
		t.Fatalf("Expected no error when one describer succeeds, got: %v", err)
	}
	if diff := cmp.Diff([]string{"vpc", "dns"}, decl.Dependencies()); diff != "" {
		t.Errorf("Dependencies mismatch (-want +got):\n%s", diff)
	}

	if _, err := (MultiDescriber{failing, failing}).Describe(context.Background(), "s", "eks"); err == nil {
		t.Error("Expected error when every describer fails")
	}
}
