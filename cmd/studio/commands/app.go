package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/adapters"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/config"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/controlplane"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/kube"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/policy"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/stores"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/telemetry"
)

// app holds the components wired from the configuration.
type app struct {
	loader  *config.Loader
	cfg     *config.Config
	tel     *telemetry.Telemetry
	store   *stores.SQLiteStore
	policy  *policy.Engine
	service *controlplane.Service
}

// openApp loads the configuration and wires the control plane.
func openApp(ctx context.Context) (*app, error) {
	loader := config.NewLoader()
	cfg, err := loader.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry.ToTelemetryConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	store, err := openStore(ctx, cfg)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	a := &app{loader: loader, cfg: cfg, tel: tel, store: store}
	if err := a.wire(ctx, logger); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, logger zerolog.Logger) error {
	flowConfig, err := a.cfg.Engine.ToFlowConfig()
	if err != nil {
		return err
	}

	var admission engine.Admission
	if a.cfg.Policy.Enabled {
		pe, err := policy.NewEngine(logger, a.cfg.Policy.Settings())
		if err != nil {
			return fmt.Errorf("failed to create policy engine: %w", err)
		}
		if a.cfg.Policy.Dir != "" {
			if err := pe.LoadPolicies(ctx, []string{a.cfg.Policy.Dir}); err != nil {
				return fmt.Errorf("failed to load policies: %w", err)
			}
		}
		a.policy = pe
		admission = pe
	}

	factory := kube.NewKubeconfigFactory(logger)
	factory.QPS = a.cfg.Kube.QPS
	factory.Burst = a.cfg.Kube.Burst
	factory.PollInterval = a.cfg.Kube.PollInterval.Std()

	deps := adapters.Deps{
		Placer: adapters.NewPlacer(a.store, a.store, a.store, logger),
		Kube:   factory,
		Ingress: adapters.IngressSettings{
			EntryPoint:          a.cfg.Ingress.EntryPoint,
			CertResolver:        a.cfg.Ingress.CertResolver,
			ControllerNamespace: a.cfg.Ingress.ControllerNamespace,
		},
		Logger: logger,
	}
	script, err := a.cfg.HostnameScript()
	if err != nil {
		return err
	}
	if script != "" {
		hostnames, err := config.NewHostnameScript(script, config.DefaultStarlarkTimeout)
		if err != nil {
			return fmt.Errorf("invalid hostname script: %w", err)
		}
		deps.Hostnames = hostnames
	}

	a.service, err = controlplane.NewService(controlplane.Options{
		Store:      a.store,
		Registry:   adapters.NewRegistry(deps),
		Scheduler:  engine.NewPoolScheduler(a.cfg.Engine.Parallelism, nil),
		FlowConfig: flowConfig,
		Policy:     admission,
		Telemetry:  a.tel,
		Actor:      actor,
	})
	return err
}

// Close flushes telemetry and closes the store.
func (a *app) Close(ctx context.Context) {
	if a.policy != nil {
		_ = a.policy.Close()
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// withApp runs fn with a wired app and closes it afterwards.
func withApp(ctx context.Context, fn func(*app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(a)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
