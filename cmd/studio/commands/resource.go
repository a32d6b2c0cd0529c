package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/stores"
)

func newResourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resource",
		Aliases: []string{"res"},
		Short:   "Manage resource registrations",
		Long: `Register resources from manifests and inspect their state.

Registering a resource only stores it; use 'studio create' to provision it
on its project's cluster and 'studio delete' to tear it down.`,
	}

	cmd.AddCommand(newResourceRegisterCommand())
	cmd.AddCommand(newResourceShowCommand())
	cmd.AddCommand(newResourceHistoryCommand())
	cmd.AddCommand(newResourceEventsCommand())

	return cmd
}

func newResourceRegisterCommand() *cobra.Command {
	var files []string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register resources from manifest files",
		Example: `  studio resource register -f web.yaml -f db.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(files) == 0 {
				return fmt.Errorf("at least one manifest is required (-f)")
			}

			return withApp(cmd.Context(), func(a *app) error {
				registered := make([]*engine.Resource, 0, len(files))
				for _, file := range files {
					m, err := a.loader.LoadResourceManifest(file)
					if err != nil {
						return err
					}
					res := m.ToResource(&engine.Project{ID: m.Project})
					if err := a.service.RegisterResource(cmd.Context(), res, m.Placement); err != nil {
						return fmt.Errorf("%s: %w", displayPath(file), err)
					}
					registered = append(registered, res)
					if !jsonOutput {
						fmt.Printf("✓ Registered %s %s (%s)\n", res.Kind, res.Name, res.ID)
					}
				}
				if jsonOutput {
					return printJSON(registered)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "resource manifest (YAML, JSON or CUE)")

	return cmd
}

func newResourceShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <resource-id>",
		Short: "Show a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				res, err := a.service.Resource(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(res)
				}

				fmt.Printf("Resource:  %s (%s)\n", res.Name, res.ID)
				fmt.Printf("Kind:      %s\n", res.Kind)
				fmt.Printf("Status:    %s\n", res.Status)
				if res.Project != nil {
					fmt.Printf("Project:   %s\n", res.Project.ID)
					if res.Project.ClusterID != "" {
						fmt.Printf("Cluster:   %s\n", res.Project.ClusterID)
					}
				}
				fmt.Printf("Namespace: %s\n", namespaceOf(res))
				if res.PublicHostname != "" {
					fmt.Printf("Hostname:  %s\n", res.PublicHostname)
				}
				fmt.Printf("Updated:   %s\n", res.UpdatedAt.Format(time.RFC3339))
				return nil
			})
		},
	}

	return cmd
}

func newResourceHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <resource-id>",
		Short: "List the create and delete runs of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				runs, err := a.service.History(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(runs)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "FLOW\tOPERATION\tSTATUS\tCLUSTER\tSTARTED\tDURATION\tERROR")
				for _, run := range runs {
					duration := "-"
					if run.CompletedAt != nil {
						duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						run.ID, run.Operation, run.Status, run.ClusterID,
						run.StartedAt.Format(time.RFC3339), duration, run.Error)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	return cmd
}

func newResourceEventsCommand() *cobra.Command {
	var (
		limit int
		level string
	)

	cmd := &cobra.Command{
		Use:   "events <resource-id>",
		Short: "List the events recorded for a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				events, err := a.store.ListEvents(cmd.Context(), stores.EventFilter{
					ResourceID: args[0],
					Level:      level,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(events)
				}

				for _, e := range events {
					step := ""
					if e.Step != "" {
						step = fmt.Sprintf(" [%s]", e.Step)
					}
					fmt.Printf("%s %-7s %s%s %s\n",
						e.Timestamp.Format(time.RFC3339), e.Level, e.Type, step, e.Message)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	cmd.Flags().StringVar(&level, "level", "", "only show events of this level (info, warning, error)")

	return cmd
}

func namespaceOf(res *engine.Resource) string {
	if res.DeployedNamespace != "" {
		return res.DeployedNamespace
	}
	if res.Project != nil {
		return res.Project.Namespace
	}
	return ""
}

func printResources(resources []*engine.Resource) {
	if len(resources) == 0 {
		fmt.Println("  (none)")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tKIND\tSTATUS\tHOSTNAME")
	for _, r := range resources {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Kind, r.Status, r.PublicHostname)
	}
	_ = w.Flush()
}
