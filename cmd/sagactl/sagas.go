package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/fortressi/saga/dag"
)

var sagasCmd = &cli.Command{
	Name:  "sagas",
	Usage: "List saga snapshots",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "id", Usage: "Show a single saga with its steps"},
		&cli.BoolFlag{Name: "dot", Usage: "With --id, print the saga as a Graphviz digraph"},
	},
	Action: withRuntime(sagasAction),
}

func sagasAction(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	snapshots := rt.store.Snapshots()

	if id := cmd.String("id"); id != "" {
		state, err := snapshots.Load(ctx, id)
		if err != nil {
			return err
		}
		if cmd.Bool("dot") {
			out, err := dag.FromState(*state).ExportToDot()
			if err != nil {
				return err
			}
			fmt.Fprintln(rt.out, out)
			return nil
		}
		fmt.Fprintf(rt.out, "%s %s %s\n", state.SagaID, state.SagaName, state.Status)
		if state.Error != "" {
			fmt.Fprintf(rt.out, "  error: %s\n", state.Error)
		}
		for i, step := range state.Steps {
			marker := " "
			if i == state.CurrentStep {
				marker = ">"
			}
			fmt.Fprintf(rt.out, " %s %d. %-18s %s\n", marker, i+1, step.Name, step.Status)
		}
		return nil
	}

	states, err := snapshots.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(rt.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTEP\tUPDATED\tERROR")
	for _, state := range states {
		step := "-"
		if state.CurrentStep >= 0 && state.CurrentStep < len(state.Steps) {
			step = state.Steps[state.CurrentStep].Name
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			state.SagaID, state.Status, step, state.UpdatedAt.Format(time.RFC3339),
			firstLine(state.Error))
	}
	return tw.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
