package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/Ruj89/strata/internal/graph"
	"github.com/Ruj89/strata/internal/recipe"
)

// Represents the 'strata plan' command.
type PlanCmd struct {
	File   string `short:"f" default:"Envfile" help:"Recipe to inspect." placeholder:"PATH"`
	Target string `help:"Stage to plan. Defaults to the last stage." placeholder:"NAME"`
	Strict bool   `help:"Reject recipes that declare a stage name twice."`
}

// Executes the plan command.
//
// Resolves the recipe and prints the schedule for the target stage without
// building anything. Stages sharing a rank have no ordering between them
// and may run concurrently.
func (c *PlanCmd) Run(ctx context.Context) error {
	rcp, err := recipe.ParseFile(c.File)
	if err != nil {
		return err
	}

	g, err := graph.Resolve(rcp, graph.Options{Strict: c.Strict})
	if err != nil {
		return err
	}
	for _, sh := range g.Shadowed {
		slog.Warn("stage name shadowed",
			"name", sh.Name,
			"line", g.Nodes[sh.Shadowed].Stage.Line,
			"winner", g.Nodes[sh.By].Stage.Line)
	}

	target, err := g.Target(c.Target)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tSTAGE\tFROM\tOPS\tNEEDS")
	for _, i := range g.Closure(target) {
		n := g.Nodes[i]
		needs := make([]string, len(n.Deps))
		for j, d := range n.Deps {
			needs[j] = g.Nodes[d].Label()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n",
			n.Rank, n.Label(), n.Stage.From, len(n.Stage.Ops), strings.Join(needs, ","))
	}
	return tw.Flush()
}
