package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test admission policies",
	}

	cmd.AddCommand(newPolicyCheckCommand())
	cmd.AddCommand(newPolicyListCommand())

	return cmd
}

func newPolicyCheckCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "check [resource-id]",
		Short: "Evaluate the admission policies against a resource",
		Long: `Evaluate the admission policies against a registered resource or a
manifest, without provisioning anything.`,
		Example: `  studio policy check 3f1c9a2e-...
  studio policy check -f web.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (file == "") {
				return fmt.Errorf("specify either a resource ID or a manifest (-f)")
			}

			return withApp(cmd.Context(), func(a *app) error {
				if a.policy == nil {
					return fmt.Errorf("policy evaluation is disabled in %s", displayPath(configPath))
				}

				var res *engine.Resource
				if file != "" {
					m, err := a.loader.LoadResourceManifest(file)
					if err != nil {
						return err
					}
					project, err := a.store.GetProject(cmd.Context(), m.Project)
					if err != nil {
						return err
					}
					res = m.ToResource(project)
				} else {
					var err error
					if res, err = a.service.Resource(cmd.Context(), args[0]); err != nil {
						return err
					}
				}

				result, err := a.policy.EvaluateResource(cmd.Context(), string(engine.OperationCreate), res)
				if err != nil {
					return err
				}
				if jsonOutput {
					if err := printJSON(result); err != nil {
						return err
					}
				} else {
					printPolicyResult(result)
				}
				if !result.Allowed {
					return &policy.DeniedError{ResourceID: res.ID, Result: result}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "resource manifest to evaluate")

	return cmd
}

func printPolicyResult(result *policy.Result) {
	if result.Allowed {
		fmt.Printf("✓ Allowed (%d policies evaluated in %s)\n", len(result.EvaluatedPolicies), result.Duration)
	} else {
		fmt.Printf("✗ Denied (%d policies evaluated in %s)\n", len(result.EvaluatedPolicies), result.Duration)
	}
	for _, v := range result.Violations {
		fmt.Printf("  ✗ %s\n", v.String())
	}
	for _, v := range result.Warnings {
		fmt.Printf("  ⚠ %s\n", v.String())
	}
	for _, e := range result.Errors {
		fmt.Printf("  ! %s\n", e)
	}
}

func newPolicyListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if a.policy == nil {
					return fmt.Errorf("policy evaluation is disabled in %s", displayPath(configPath))
				}
				policies := a.policy.ListPolicies()
				if jsonOutput {
					return printJSON(policies)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
				for _, p := range policies {
					source := p.Source
					if p.Builtin {
						source = "builtin"
					}
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, p.Description)
				}
				return w.Flush()
			})
		},
	}

	return cmd
}
