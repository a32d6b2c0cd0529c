package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

func newClusterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Manage target clusters",
		Long: `Register and list the Kubernetes clusters resources are placed on.

Clusters are grouped by zone. A project is pinned to one cluster of its zone
when its first resource is created and never moves afterwards.`,
	}

	cmd.AddCommand(newClusterAddCommand())
	cmd.AddCommand(newClusterListCommand())

	return cmd
}

func newClusterAddCommand() *cobra.Command {
	var (
		cluster        engine.Cluster
		kubeconfigPath string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a cluster",
		Example: `  # Register a cluster from a kubeconfig file
  studio cluster add --name prod-1 --zone eu-1 --kubeconfig ~/.kube/prod-1 \
    --ingress-domain apps.prod-1.example.com --storage-provisioner csi.hetzner.cloud`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if kubeconfigPath != "" {
				b, err := os.ReadFile(kubeconfigPath)
				if err != nil {
					return fmt.Errorf("failed to read kubeconfig: %w", err)
				}
				cluster.KubeConfig = b
			}
			if len(cluster.KubeConfig) == 0 && cluster.Endpoint == "" {
				return fmt.Errorf("either --kubeconfig or --endpoint is required")
			}

			return withApp(cmd.Context(), func(a *app) error {
				if err := a.service.RegisterCluster(cmd.Context(), &cluster); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cluster)
				}
				fmt.Printf("✓ Registered cluster %s (%s) in zone %s\n", cluster.Name, cluster.ID, cluster.Zone)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&cluster.ID, "id", "", "cluster ID (generated when empty)")
	cmd.Flags().StringVar(&cluster.Name, "name", "", "cluster name")
	cmd.Flags().StringVar(&cluster.Zone, "zone", "", "zone the cluster belongs to")
	cmd.Flags().StringVar(&kubeconfigPath, "kubeconfig", "", "kubeconfig file")
	cmd.Flags().StringVar(&cluster.Endpoint, "endpoint", "", "API server URL, used without kubeconfig")
	cmd.Flags().StringVar(&cluster.IngressDomain, "ingress-domain", "", "wildcard domain of the cluster ingress")
	cmd.Flags().StringVar(&cluster.StorageProvisioner, "storage-provisioner", "", "CSI provisioner of generated storage classes")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("zone")

	return cmd
}

func newClusterListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered clusters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				clusters, err := a.store.ListClusters(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(clusters)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tZONE\tINGRESS DOMAIN\tRESOURCES")
				for _, c := range clusters {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", c.ID, c.Name, c.Zone, c.IngressDomain, c.ResourceCount)
				}
				return w.Flush()
			})
		},
	}

	return cmd
}
