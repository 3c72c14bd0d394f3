package cmd

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-quote-pipeline/internal/app"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/config"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/pipeline"
)

// newValidateCmd creates the 'validate' subcommand, which checks the topology without opening
// any connection or starting anything.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and print the pipeline topology",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			if err := a.Validate(cmd.Context()); err != nil {
				return err
			}
			if err := printTopology(cmd.OutOrStdout(), cfg.Pipeline.Topology); err != nil {
				return err
			}
			return printMissing(cmd.OutOrStdout(), cfg.MissingSettings())
		},
	}
}

func printTopology(out io.Writer, t pipeline.Topology) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tPAYLOAD\tDESCRIPTION")
	for _, name := range slices.Sorted(maps.Keys(t.Queues)) {
		q := t.Queues[name]
		payload := q.Payload
		if payload == "" {
			payload = pipeline.PayloadIdentifier
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, payload, q.Description)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "WORKER\tKIND\tOUTPUT")
	for _, name := range slices.Sorted(maps.Keys(t.Workers)) {
		wc := t.Workers[name]
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, wc.Kind, wc.OutputQueue)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "SCHEDULER\tKIND\tINSTANCES\tINPUT\tOUTPUT\tSTOP TOKENS")
	for _, name := range slices.Sorted(maps.Keys(t.Schedulers)) {
		sc := t.Schedulers[name]
		output := sc.OutputQueue
		if output == "" {
			output = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\n",
			name, sc.Kind, sc.Instances, sc.InputQueue, output, t.ExpectedStops(name))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("print topology: %w", err)
	}
	return nil
}

// printMissing lists settings that are empty but will be needed when the pipeline runs.
func printMissing(out io.Writer, missing []config.MissingSetting) error {
	if len(missing) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "MISSING SETTING\tNEEDED BY")
	for _, m := range missing {
		fmt.Fprintf(w, "%s\t%s\n", m.Key, m.Kind)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("print missing settings: %w", err)
	}
	return nil
}
