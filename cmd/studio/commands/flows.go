package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

// flowOutput is the JSON form of a create or delete outcome.
type flowOutput struct {
	ResourceID string                `json:"resource_id"`
	Operation  engine.OperationType  `json:"operation"`
	Result     engine.ResultState    `json:"result"`
	Status     engine.ResourceStatus `json:"status"`
	ClusterID  string                `json:"cluster_id,omitempty"`
	Hostname   string                `json:"hostname,omitempty"`
	Error      string                `json:"error,omitempty"`
}

func newCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <resource-id>",
		Short: "Provision a registered resource on its cluster",
		Long: `Provision a registered resource.

The project is placed on a cluster of its zone if it has none yet, then every
Kubernetes object of the resource is created following its dependency graph.
A failure rolls back the objects created so far. Objects that exist but do
not become ready in time leave the resource pending.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				result, flowErr := a.service.Create(cmd.Context(), args[0])
				hostname, _ := result.Value()
				return reportFlow(a, cmd, args[0], engine.OperationCreate, result.State(), result.Cluster(), hostname, flowErr)
			})
		},
	}

	return cmd
}

func newDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <resource-id>",
		Short: "Tear down a resource",
		Long: `Tear down a resource.

The workload is deleted first, then every remaining object is removed in
parallel. Volume claims and storage classes survive when the resource keeps
its volumes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				result, flowErr := a.service.Delete(cmd.Context(), args[0])
				return reportFlow(a, cmd, args[0], engine.OperationDelete, result.State(), result.Cluster(), "", flowErr)
			})
		},
	}

	return cmd
}

func reportFlow(a *app, cmd *cobra.Command, id string, op engine.OperationType, state engine.ResultState,
	cluster *engine.Cluster, hostname string, flowErr error) error {
	out := flowOutput{
		ResourceID: id,
		Operation:  op,
		Result:     state,
		Hostname:   hostname,
	}
	if cluster != nil {
		out.ClusterID = cluster.ID
	}
	if flowErr != nil {
		out.Error = flowErr.Error()
	}
	if res, err := a.service.Resource(cmd.Context(), id); err == nil {
		out.Status = res.Status
	}

	if jsonOutput {
		if err := printJSON(out); err != nil {
			return err
		}
		return flowErr
	}
	if flowErr != nil {
		return flowErr
	}

	switch state {
	case engine.ResultSuccess:
		fmt.Printf("✓ %s %s succeeded\n", op, id)
	case engine.ResultWaitTimeout:
		fmt.Printf("⚠ %s %s: objects created but not ready yet\n", op, id)
	default:
		fmt.Printf("✗ %s %s failed\n", op, id)
	}
	if out.ClusterID != "" {
		fmt.Printf("  Cluster:  %s\n", out.ClusterID)
	}
	if out.Hostname != "" {
		fmt.Printf("  Hostname: %s\n", out.Hostname)
	}
	if out.Status != "" {
		fmt.Printf("  Status:   %s\n", out.Status)
	}
	return nil
}
