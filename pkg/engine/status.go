package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// UnitStatus represents the execution status of a single unit.
type UnitStatus string

const (
	// UnitStatusPending indicates the unit has not been scheduled yet.
	UnitStatusPending UnitStatus = "pending"

	// UnitStatusRunning indicates the unit's action is being invoked.
	UnitStatusRunning UnitStatus = "running"

	// UnitStatusCompleted indicates the unit's action succeeded.
	UnitStatusCompleted UnitStatus = "completed"

	// UnitStatusFailed indicates the unit exhausted its retry budget.
	UnitStatusFailed UnitStatus = "failed"

	// UnitStatusSkipped indicates the unit was never started because the run aborted.
	UnitStatusSkipped UnitStatus = "skipped"
)

// IsTerminal returns true if the unit status represents a final state.
func (s UnitStatus) IsTerminal() bool {
	return s == UnitStatusCompleted || s == UnitStatusFailed || s == UnitStatusSkipped
}

// Validate checks if the unit status is valid.
func (s UnitStatus) Validate() error {
	switch s {
	case UnitStatusPending, UnitStatusRunning, UnitStatusCompleted,
		UnitStatusFailed, UnitStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid unit status: %s", s)
	}
}

// CanTransitionTo reports whether a unit may move from s to next.
// PENDING -> RUNNING -> {COMPLETED, FAILED}; SKIPPED is reachable only from PENDING.
func (s UnitStatus) CanTransitionTo(next UnitStatus) bool {
	switch s {
	case UnitStatusPending:
		return next == UnitStatusRunning || next == UnitStatusSkipped
	case UnitStatusRunning:
		return next == UnitStatusCompleted || next == UnitStatusFailed
	}
	return false
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s UnitStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *UnitStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = UnitStatus(str)
	return s.Validate()
}

// Priority orders units inside a layer and decides fail-fast behaviour.
type Priority int

const (
	// PriorityLow is for units whose failure is informational.
	PriorityLow Priority = 1

	// PriorityMedium is the default priority.
	PriorityMedium Priority = 2

	// PriorityHigh units are scheduled ahead of medium and low ones.
	PriorityHigh Priority = 3

	// PriorityCritical units abort the run when they fail.
	PriorityCritical Priority = 4
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Validate checks if the priority is one of the known levels.
func (p Priority) Validate() error {
	if _, ok := priorityNames[p]; !ok {
		return fmt.Errorf("invalid priority: %d", int(p))
	}
	return nil
}

// ParsePriority parses a priority name, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for p, n := range priorityNames {
		if n == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("invalid priority: %q", s)
}

// MarshalJSON encodes the priority by name.
func (p Priority) MarshalJSON() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts either the priority name or its ordinal.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		parsed, err := ParsePriority(str)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*p = Priority(n)
	return p.Validate()
}

// CycleMode selects how a dependency graph treats cycles.
type CycleMode string

const (
	// CycleModeAuthoritative makes any cycle a fatal configuration error.
	CycleModeAuthoritative CycleMode = "authoritative"

	// CycleModeAdvisory breaks cycles by dropping one edge per cycle.
	CycleModeAdvisory CycleMode = "advisory"
)

// Validate checks if the cycle mode is valid.
func (m CycleMode) Validate() error {
	switch m {
	case CycleModeAuthoritative, CycleModeAdvisory:
		return nil
	default:
		return fmt.Errorf("invalid cycle mode: %s", m)
	}
}

// RunOutcome summarizes a finished run for callers that map it to exit codes.
type RunOutcome string

const (
	// RunOutcomeSuccess means every unit completed.
	RunOutcomeSuccess RunOutcome = "success"

	// RunOutcomePartialFailure means at least one unit failed or was skipped.
	RunOutcomePartialFailure RunOutcome = "partial_failure"
)
