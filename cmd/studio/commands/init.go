package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/stores"
)

const defaultConfig = `# Surogate Studio configuration

database:
  path: %s

engine:
  step_attempts: 3
  step_delay: 5s
  step_timeout: 30s
  create_deadline: 10m
  delete_deadline: 5m
  rollback_timeout: 5m
  parallelism: 8

kube:
  qps: 20
  burst: 40
  poll_interval: 2s

ingress:
  entry_point: websecure
  cert_resolver: letsencrypt
  controller_namespace: traefik

policy:
  enabled: true
  dir: %s
  watch: false

telemetry:
  log_level: info
  log_format: console
  metrics_enabled: false
  metrics_address: ":9090"
  tracing_exporter: none
`

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a Surogate Studio workspace",
		Long: `Initialize a workspace with a data directory, a migrated SQLite database,
a policy directory and a default configuration file.`,
		Example: `  # Initialize in ./data with ./studio.yaml
  studio init

  # Initialize with custom locations
  studio init --data-dir /var/lib/studio --config /etc/studio/studio.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = "./studio.yaml"
			}
			log.Info().Str("data_dir", dataDir).Str("config", configPath).Msg("Initializing workspace")

			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", configPath)
			}

			policyDir := filepath.Join(dataDir, "policies")
			for _, dir := range []string{dataDir, policyDir} {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			dbPath := filepath.Join(dataDir, "studio.db")
			store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			defer store.Close()
			if err := store.Init(cmd.Context()); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Printf("✓ Initialized SQLite database: %s\n", dbPath)

			absDB, err := filepath.Abs(dbPath)
			if err != nil {
				return err
			}
			absPolicies, err := filepath.Abs(policyDir)
			if err != nil {
				return err
			}
			content := fmt.Sprintf(defaultConfig, absDB, absPolicies)
			if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Printf("✓ Created config file: %s\n", configPath)

			fmt.Printf("\nWorkspace initialized.\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Register a cluster:\n")
			fmt.Printf("     studio cluster add --name prod-1 --zone eu-1 --kubeconfig ~/.kube/config --ingress-domain apps.example.com\n\n")
			fmt.Printf("  2. Create a project:\n")
			fmt.Printf("     studio project create --name team-a --namespace team-a --zone eu-1\n\n")
			fmt.Printf("  3. Register and create a resource:\n")
			fmt.Printf("     studio resource register -f app.yaml && studio create <resource-id>\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "data directory")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
