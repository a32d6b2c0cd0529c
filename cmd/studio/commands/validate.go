package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var manifests []string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and resource manifests",
		Long: `Validate the configuration file and resource manifests against the built-in
CUE schemas and the struct constraints, reporting every error with its location.`,
		Example: `  # Validate the configuration
  studio validate --config studio.yaml

  # Validate manifests as well
  studio validate -f app.yaml -f db.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader()
			failed := false

			if _, err := loader.LoadConfig(configPath); err != nil {
				failed = true
				report(configPath, err)
			} else {
				fmt.Printf("✓ %s\n", displayPath(configPath))
			}

			for _, path := range manifests {
				if _, err := loader.LoadResourceManifest(path); err != nil {
					failed = true
					report(path, err)
					continue
				}
				fmt.Printf("✓ %s\n", path)
			}

			if failed {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&manifests, "file", "f", nil, "resource manifest to validate (repeatable)")

	return cmd
}

func report(path string, err error) {
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			fmt.Printf("✗ %s\n", e.Error())
		}
		return
	}
	log.Debug().Str("path", path).Err(err).Msg("Validation failed")
	fmt.Printf("✗ %s: %v\n", displayPath(path), err)
}

func displayPath(path string) string {
	if path == "" {
		return "(built-in defaults)"
	}
	return path
}
