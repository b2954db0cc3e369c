package atmos

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/gaia/pkg/engine"
)

// Operation is a terraform operation run through atmos.
type Operation string

// Supported operations.
const (
	OperationPlan     Operation = "plan"
	OperationApply    Operation = "apply"
	OperationValidate Operation = "validate"
	OperationDestroy  Operation = "destroy"
	OperationDrift    Operation = "drift"
)

// Labels set on generated units.
const (
	LabelOperation = "operation"
	LabelComponent = "component"
	LabelStack     = "stack"
)

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OperationPlan, OperationApply, OperationValidate, OperationDestroy, OperationDrift:
		return op, nil
	}
	return "", fmt.Errorf("unsupported operation %q", s)
}

// Reverse reports whether the operation walks dependencies in teardown order.
func (op Operation) Reverse() bool {
	return op == OperationDestroy
}

// ComponentUnit builds the unit that runs op on one component. The unit ID is
// the component name so a Client can describe it.
func ComponentUnit(stack string, op Operation, component string) engine.Unit {
	args := []string{"terraform", string(op), component, "-s", stack}
	switch op {
	case OperationDrift:
		args = []string{"terraform", "plan", component, "-s", stack, "-detailed-exitcode"}
	case OperationApply, OperationDestroy:
		args = append(args, "-auto-approve")
	}

	return engine.Unit{
		ID:         component,
		Name:       fmt.Sprintf("%s %s in %s", op, component, stack),
		Action:     engine.Action{Command: DefaultBinary, Args: args},
		Priority:   engine.PriorityMedium,
		Timeout:    30 * time.Minute,
		MaxRetries: engine.DefaultMaxRetries,
		Labels: map[string]string{
			LabelOperation: string(op),
			LabelComponent: component,
			LabelStack:     stack,
		},
	}
}

// RegisterComponents discovers the stack's components and registers one unit
// per component. Dependencies come from the Client at resolve time.
func RegisterComponents(ctx context.Context, client *Client, registry *engine.Registry, stack string, op Operation) ([]string, error) {
	if _, err := ParseStack(stack); err != nil {
		return nil, err
	}
	components, err := client.ListComponents(ctx, stack)
	if err != nil {
		return nil, err
	}
	err = registry.RegisterScopeUnits(stack, components, func(scope, component string) engine.Unit {
		return ComponentUnit(scope, op, component)
	})
	return components, err
}

// BaselineUnits are the repository-wide checks environment units build on.
func BaselineUnits() []engine.Unit {
	return []engine.Unit{
		{
			ID:       "validate-structure",
			Name:     "Validate project structure",
			Action:   shell(`for p in atmos.yaml components/terraform stacks; do [ -e "$p" ] || { echo "missing: $p" >&2; exit 1; }; done`),
			Priority: engine.PriorityCritical,
		},
		{
			ID:           "check-tools",
			Name:         "Check required tools",
			Action:       shell("set -e; atmos version >/dev/null; terraform version >/dev/null"),
			Dependencies: []string{"validate-structure"},
			Priority:     engine.PriorityHigh,
		},
		{
			ID:           "lint-terraform",
			Name:         "Lint Terraform configurations",
			Action:       engine.Action{Command: "terraform", Args: []string{"fmt", "-check", "-recursive", "./components/terraform"}},
			Dependencies: []string{"check-tools"},
			Priority:     engine.PriorityMedium,
		},
		{
			ID:           "validate-atmos",
			Name:         "Validate Atmos configuration",
			Action:       engine.Action{Command: DefaultBinary, Args: []string{"validate", "stacks"}},
			Dependencies: []string{"check-tools"},
			Priority:     engine.PriorityHigh,
		},
	}
}

// EnvironmentUnits returns the validate and plan units for a stack plus one
// validate unit per component. Dependencies are static.
func EnvironmentUnits(stack Stack, components []string) []engine.Unit {
	name := stack.Name()
	validateID := "validate-" + name
	labels := func(op Operation) map[string]string {
		return map[string]string{LabelStack: name, LabelOperation: string(op)}
	}

	units := []engine.Unit{
		{
			ID:           validateID,
			Name:         fmt.Sprintf("Validate %s components", name),
			Scope:        name,
			Action:       engine.Action{Command: DefaultBinary, Args: append([]string{"workflow", "validate"}, stack.workflowVars()...)},
			Dependencies: []string{"validate-atmos"},
			Labels:       labels(OperationValidate),
		},
		{
			ID:           "plan-" + name,
			Name:         fmt.Sprintf("Plan %s infrastructure", name),
			Scope:        name,
			Action:       engine.Action{Command: DefaultBinary, Args: append([]string{"workflow", "plan-environment"}, stack.workflowVars()...)},
			Dependencies: []string{validateID},
			Labels:       labels(OperationPlan),
		},
	}

	for _, component := range components {
		l := labels(OperationValidate)
		l[LabelComponent] = component
		units = append(units, engine.Unit{
			ID:           fmt.Sprintf("%s-%s", validateID, component),
			Name:         fmt.Sprintf("Validate %s in %s", component, name),
			Scope:        name,
			Action:       engine.Action{Command: DefaultBinary, Args: []string{"terraform", "validate", component, "-s", name}},
			Dependencies: []string{validateID},
			Labels:       l,
		})
	}
	return units
}

// RegisterEnvironment registers the baseline units (if missing) and the
// environment units for stack, discovering components through client.
func RegisterEnvironment(ctx context.Context, client *Client, registry *engine.Registry, stackName string) error {
	stack, err := ParseStack(stackName)
	if err != nil {
		return err
	}
	components, err := client.ListComponents(ctx, stackName)
	if err != nil {
		return err
	}

	for _, u := range BaselineUnits() {
		if registry.Has(u.ID) {
			continue
		}
		if err := registry.Register(u); err != nil {
			return err
		}
	}
	for _, u := range EnvironmentUnits(stack, components) {
		if err := registry.Register(u); err != nil {
			return err
		}
	}
	return nil
}

func shell(script string) engine.Action {
	return engine.Action{Command: "/bin/sh", Args: []string{"-c", script}}
}
