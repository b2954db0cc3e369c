package stores

import (
	"context"
	"time"

	"github.com/openfroyo/gaia/pkg/engine"
)

// RunRecord is the summary row of an archived run.
type RunRecord struct {
	ID          string            `json:"id"`
	PlanID      string            `json:"plan_id"`
	Scope       string            `json:"scope"`
	Reverse     bool              `json:"reverse"`
	Outcome     engine.RunOutcome `json:"outcome"`
	Total       int               `json:"total"`
	Completed   int               `json:"completed"`
	Failed      int               `json:"failed"`
	Skipped     int               `json:"skipped"`
	SuccessRate float64           `json:"success_rate"`
	Layers      int               `json:"layers"`
	Aborted     bool              `json:"aborted"`
	AbortedBy   *string           `json:"aborted_by,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Duration    time.Duration     `json:"duration"`
	CreatedAt   time.Time         `json:"created_at"`
}

// UnitRecord is one unit's outcome within an archived run.
type UnitRecord struct {
	RunID    string            `json:"run_id"`
	UnitID   string            `json:"unit_id"`
	Layer    int               `json:"layer"`
	Priority string            `json:"priority"`
	Status   engine.UnitStatus `json:"status"`
	Attempts int               `json:"attempts"`
	ExitCode int               `json:"exit_code"`
	TimedOut bool              `json:"timed_out"`
	Duration time.Duration     `json:"duration"`
	Error    *string           `json:"error,omitempty"`
}

// EventRecord is an archived execution event.
type EventRecord struct {
	Seq       int64                  `json:"seq"`
	ID        string                 `json:"id"`
	RunID     string                 `json:"run_id"`
	UnitID    *string                `json:"unit_id,omitempty"`
	Type      engine.EventType       `json:"type"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ListOptions filters and pages ListRuns.
type ListOptions struct {
	// Scope restricts results to one scope when non-empty.
	Scope string

	// Outcome restricts results to one outcome when non-empty.
	Outcome engine.RunOutcome

	// Since excludes runs started before it when non-zero.
	Since time.Time

	Limit  int
	Offset int
}

// Store archives finished execution reports. It never holds engine
// state: reports are written after a run and read back for history.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Reports
	SaveReport(ctx context.Context, report *engine.ExecutionReport, reverse bool) error
	GetReport(ctx context.Context, runID string) (*engine.ExecutionReport, error)
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]*RunRecord, error)
	ListUnitResults(ctx context.Context, runID string) ([]*UnitRecord, error)
	UnitHistory(ctx context.Context, unitID string, limit int) ([]*UnitRecord, error)
	DeleteRun(ctx context.Context, runID string) error
	PruneBefore(ctx context.Context, before time.Time) (int64, error)

	// Events
	AppendEvent(ctx context.Context, event *engine.Event) error
	ListEvents(ctx context.Context, runID string) ([]*EventRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
