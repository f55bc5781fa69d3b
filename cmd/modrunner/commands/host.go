package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/modrunner/pkg/config"
	"github.com/openfroyo/modrunner/pkg/install"
	"github.com/openfroyo/modrunner/pkg/orchestrator"
	"github.com/openfroyo/modrunner/pkg/policy"
	"github.com/openfroyo/modrunner/pkg/stores"
	"github.com/openfroyo/modrunner/pkg/telemetry"
)

const journalFile = "journal.db"

func loadConfig() (*config.File, error) {
	file, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		file.Server.LogLevel = "debug"
	}
	return file, nil
}

// newTelemetry maps the server options onto the telemetry configuration.
// withMetrics is false for one-shot commands that must not bind a port.
func newTelemetry(file *config.File, version string, withMetrics bool) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Environment = file.Server.Environment
	cfg.Logging.Level = file.Server.LogLevel
	cfg.Logging.Format = file.Server.LogFormat

	cfg.Metrics.Enabled = withMetrics
	cfg.Metrics.ListenAddress = file.Server.MetricsAddress

	tr := file.Server.Tracing
	cfg.Tracing.Enabled = tr.Exporter != "" && tr.Exporter != "none"
	cfg.Tracing.Exporter = tr.Exporter
	cfg.Tracing.Endpoint = tr.Endpoint
	cfg.Tracing.SamplingRate = tr.SamplingRate
	cfg.Tracing.Insecure = tr.Insecure
	for k, v := range tr.Headers {
		cfg.Tracing.Headers[k] = v
	}

	return telemetry.NewTelemetry(cfg)
}

// openJournal opens and migrates the journal database under the data dir.
func openJournal(ctx context.Context, file *config.File) (*stores.SQLiteStore, error) {
	if err := os.MkdirAll(file.Server.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(file.Server.DataDir, journalFile)})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := store.HealthCheck(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// newPolicyEngine loads the built-in and configured admission policies.
// Violations are published when events is set.
func newPolicyEngine(ctx context.Context, file *config.File, logger zerolog.Logger, events *telemetry.EventPublisher) (*policy.Engine, error) {
	engine, err := policy.NewEngine(logger,
		policy.WithEnvironment(file.Server.Environment),
		policy.WithViolationHook(func(v policy.Violation) {
			_ = events.PublishPolicyViolation(v.ModuleID, v.Policy, string(v.Severity), v.Message)
		}),
	)
	if err != nil {
		return nil, err
	}
	if len(file.ModuleOptions.PolicyPaths) > 0 {
		if err := engine.LoadPolicies(ctx, file.ModuleOptions.PolicyPaths); err != nil {
			return nil, err
		}
	}
	for _, name := range file.ModuleOptions.DisabledPolicies {
		if err := engine.DisablePolicy(name); err != nil {
			return nil, fmt.Errorf("disabled_policies: %w", err)
		}
	}
	return engine, nil
}

func newFetchers(file *config.File) install.Fetchers {
	fetchers := install.DefaultFetchers(&http.Client{Timeout: file.Install.HTTPTimeout})
	fetchers["sftp"] = &install.SFTPFetcher{Base: file.Install.SFTP}
	return fetchers
}

func runnerConfig(file *config.File) orchestrator.Config {
	opts := file.ModuleOptions
	return orchestrator.Config{
		ModulesRoot:         opts.ModulesDirPath,
		PreInstalledRoot:    opts.PreInstalledModulesDirPath,
		DownloadConcurrency: opts.DownloadConcurrency,
		DrainTimeout:        opts.DrainTimeout,
		StopTimeout:         opts.StopTimeout,
		PollInterval:        opts.PollInterval,
		Restart:             opts.Restart,
		LogBufferLines:      opts.LogBufferLines,
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
