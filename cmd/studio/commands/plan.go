package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		kind    string
		dotFile string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the creation pipeline of a resource kind",
		Long: `Show the steps that create a resource of the given kind, grouped into
levels that run in parallel, together with the retry policy of every step
and the order in which a failed creation is rolled back.`,
		Example: `  studio plan --kind database
  studio plan --kind application --dot app.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				plan, err := a.service.Plan(engine.ResourceKind(kind))
				if err != nil {
					return err
				}
				if dotFile != "" {
					if err := os.WriteFile(dotFile, []byte(plan.DOT), 0644); err != nil {
						return fmt.Errorf("failed to write graph: %w", err)
					}
				}
				if jsonOutput {
					return printJSON(plan)
				}

				fmt.Printf("Creation pipeline for %s\n\n", plan.Kind)
				for i, level := range plan.Levels {
					names := make([]string, len(level))
					for j, step := range level {
						names[j] = string(step)
					}
					fmt.Printf("  Level %d: %s\n", i, strings.Join(names, ", "))
				}

				fmt.Printf("\nStep policies:\n")
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "  STEP\tATTEMPTS\tDELAY\tTIMEOUT\tDEPENDS ON")
				for _, level := range plan.Levels {
					for _, step := range level {
						p := plan.Policies[step]
						deps := make([]string, len(plan.Dependencies[step]))
						for i, d := range plan.Dependencies[step] {
							deps[i] = string(d)
						}
						fmt.Fprintf(w, "  %s\t%d\t%s\t%s\t%s\n", step, p.MaxAttempts, p.Delay, p.Timeout, strings.Join(deps, ", "))
					}
				}
				if err := w.Flush(); err != nil {
					return err
				}

				rollback := make([]string, len(plan.RollbackOrder))
				for i, step := range plan.RollbackOrder {
					rollback[i] = string(step)
				}
				fmt.Printf("\nRollback order: %s\n", strings.Join(rollback, " → "))
				fmt.Printf("Deadlines: create %s, delete %s, rollback %s\n",
					plan.Deadlines[engine.OperationCreate],
					plan.Deadlines[engine.OperationDelete],
					plan.Deadlines[engine.OperationRollback])
				if dotFile != "" {
					fmt.Printf("\nGraph written to %s\n", dotFile)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(engine.KindApplication), "resource kind (application, database, batch_job, task_run)")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the step graph in DOT format to this file")

	return cmd
}
