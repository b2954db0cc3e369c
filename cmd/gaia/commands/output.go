package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/openfroyo/gaia/pkg/engine"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writePlan renders a plan as one block per layer.
func writePlan(w io.Writer, plan *engine.ExecutionPlan, registry *engine.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Plan:\t%s\n", plan.ID)
	fmt.Fprintf(tw, "Scope:\t%s\n", plan.Scope)
	if plan.Reverse {
		fmt.Fprintf(tw, "Direction:\treverse\n")
	}
	if len(plan.Targets) > 0 {
		fmt.Fprintf(tw, "Targets:\t%s\n", strings.Join(plan.Targets, ", "))
	}
	fmt.Fprintf(tw, "Units:\t%d in %d layers\n", plan.Len(), len(plan.Layers))

	for i, layer := range plan.Layers {
		fmt.Fprintf(tw, "\nLayer %d\n", i)
		for _, id := range layer {
			priority := ""
			if u, ok := registry.Get(id); ok {
				priority = u.Priority.String()
			}
			deps := plan.Dependencies[id]
			if len(deps) == 0 {
				fmt.Fprintf(tw, "  %s\t%s\t\n", id, priority)
				continue
			}
			fmt.Fprintf(tw, "  %s\t%s\tafter %s\n", id, priority, strings.Join(deps, ", "))
		}
	}

	writeRemovedEdges(tw, plan.RemovedEdges)
	return tw.Flush()
}

func writeRemovedEdges(w io.Writer, edges []engine.Edge) {
	if len(edges) == 0 {
		return
	}
	fmt.Fprintf(w, "\nRemoved edges (cycle breaking):\n")
	for _, e := range edges {
		fmt.Fprintf(w, "  %s\n", e)
	}
}
