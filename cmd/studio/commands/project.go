package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

func newProjectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	cmd.AddCommand(newProjectCreateCommand())
	cmd.AddCommand(newProjectShowCommand())

	return cmd
}

func newProjectCreateCommand() *cobra.Command {
	var project engine.Project

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		Example: `  studio project create --name team-a --namespace team-a --zone eu-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.service.CreateProject(cmd.Context(), &project); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(project)
				}
				fmt.Printf("✓ Created project %s (%s)\n", project.Name, project.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&project.ID, "id", "", "project ID (generated when empty)")
	cmd.Flags().StringVar(&project.Name, "name", "", "project name")
	cmd.Flags().StringVar(&project.Namespace, "namespace", "", "namespace of the project's resources")
	cmd.Flags().StringVar(&project.Zone, "zone", "", "zone the project is placed in")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("namespace")
	_ = cmd.MarkFlagRequired("zone")

	return cmd
}

func newProjectShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project and its resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				project, err := a.store.GetProject(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				resources, err := a.store.ListResources(cmd.Context(), project.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]interface{}{"project": project, "resources": resources})
				}

				cluster := project.ClusterID
				if cluster == "" {
					cluster = "(not placed)"
				}
				fmt.Printf("Project:   %s (%s)\n", project.Name, project.ID)
				fmt.Printf("Namespace: %s\n", project.Namespace)
				fmt.Printf("Zone:      %s\n", project.Zone)
				fmt.Printf("Cluster:   %s\n", cluster)
				fmt.Printf("\nResources:\n")
				printResources(resources)
				return nil
			})
		},
	}

	return cmd
}
