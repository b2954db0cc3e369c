package atmos

import (
	"fmt"
	"strings"
)

// Stack identifies an atmos stack named tenant-account-environment.
// The environment part may itself contain hyphens.
type Stack struct {
	Tenant      string
	Account     string
	Environment string
}

// ParseStack splits a stack name into its parts.
func ParseStack(name string) (Stack, error) {
	parts := strings.Split(name, "-")
	if len(parts) < 3 {
		return Stack{}, fmt.Errorf("invalid stack name %q: expected format tenant-account-environment", name)
	}
	for _, p := range parts {
		if p == "" {
			return Stack{}, fmt.Errorf("invalid stack name %q: empty segment", name)
		}
	}
	return Stack{
		Tenant:      parts[0],
		Account:     parts[1],
		Environment: strings.Join(parts[2:], "-"),
	}, nil
}

// Name returns the stack name.
func (s Stack) Name() string {
	return s.Tenant + "-" + s.Account + "-" + s.Environment
}

func (s Stack) String() string {
	return s.Name()
}

// workflowVars returns the tenant/account/environment arguments atmos workflows take.
func (s Stack) workflowVars() []string {
	return []string{
		"tenant=" + s.Tenant,
		"account=" + s.Account,
		"environment=" + s.Environment,
	}
}
