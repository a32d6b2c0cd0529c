package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
	actor      string

	version = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, v, commit, buildDate string) error {
	version = v
	rootCmd := newRootCommand(v, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "studio",
		Short: "Surogate Studio - workload provisioning control plane",
		Long: `Surogate Studio provisions applications, databases, batch jobs and task runs
onto registered Kubernetes clusters.

Every resource belongs to a project; the first resource of a project pins
the project to the least loaded cluster of its zone. Creation runs a
dependency-ordered pipeline with retries and rolls back on failure;
deletion removes the workload first and everything else in parallel.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML or CUE)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "cli", "actor recorded in the audit trail")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newClusterCommand())
	rootCmd.AddCommand(newProjectCommand())
	rootCmd.AddCommand(newResourceCommand())
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}
