package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/modrunner/pkg/config"
	"github.com/openfroyo/modrunner/pkg/module"
	"github.com/openfroyo/modrunner/pkg/orchestrator"
	"github.com/openfroyo/modrunner/pkg/stores"
)

func newRunCommand(version string) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the module host",
		Long: `Run every enabled module from the configuration file and supervise
it until interrupted.

On SIGINT or SIGTERM all modules are asked to stop and are killed when the
drain timeout expires. With --watch, edits to the configuration file are
applied while running: unchanged modules keep running, changed modules are
restarted, removed modules are stopped.`,
		Example: `  # Run with the default modrunner.yaml
  modrunner run

  # Run another file and follow its changes
  modrunner run -c /etc/modrunner/host.yaml --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			file, err := loadConfig()
			if err != nil {
				return err
			}

			tel, err := newTelemetry(file, version, true)
			if err != nil {
				return err
			}
			root := tel.Logger.Zerolog()
			logger := tel.Logger.Component("cli")

			var store *stores.SQLiteStore
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					logger.Warn().Err(err).Msg("Telemetry shutdown failed")
				}
				if store != nil {
					_ = store.Close()
				}
			}()

			if file.Server.JournalEnabled() {
				store, err = openJournal(ctx, file)
				if err != nil {
					return err
				}
				if keep := file.Server.EventRetention; keep > 0 {
					n, err := store.PruneEvents(ctx, time.Now().Add(-keep))
					if err != nil {
						return err
					}
					logger.Debug().Int64("events", n).Dur("retention", keep).Msg("Pruned journal")
				}
				stores.NewJournal(store, root).Attach(tel.Events)
			}

			engine, err := newPolicyEngine(ctx, file, root, tel.Events)
			if err != nil {
				return err
			}

			reportBindErrors(file, func(be module.InitError) {
				code := string(module.CodeOf(be.Err))
				logger.Warn().Str("module", be.ModuleID).Str("code", code).Msgf("Module skipped: %s", be.Reason)
				tel.Metrics.RecordInitError(code)
				_ = tel.Events.PublishModuleExcluded(be.ModuleID, code, be.Reason)
			})

			runner, err := orchestrator.New(runnerConfig(file),
				orchestrator.WithLogger(root),
				orchestrator.WithTelemetry(tel),
				orchestrator.WithAdmission(engine),
				orchestrator.WithFetchers(newFetchers(file)),
			)
			if err != nil {
				return err
			}

			go func() {
				if err := tel.Metrics.Serve(ctx); err != nil {
					logger.Error().Err(err).Msg("Metrics endpoint failed")
				}
			}()

			if watch {
				watcher, err := config.NewWatcher(file.Path, root)
				if err != nil {
					return err
				}
				go func() {
					err := watcher.Watch(ctx, func(next *config.File) {
						reportBindErrors(next, func(be module.InitError) {
							logger.Warn().Str("module", be.ModuleID).Msgf("Module skipped: %s", be.Reason)
						})
						if next.Modules == nil {
							logger.Warn().Msg("Reloaded configuration has no modules section, ignoring")
							return
						}
						runner.Apply(ctx, next.Modules)
					})
					if err != nil {
						logger.Error().Err(err).Msg("Configuration watcher stopped")
					}
				}()
			}

			logger.Info().
				Str("config", file.Path).
				Int("modules", len(file.Modules)).
				Bool("watch", watch).
				Msg("Starting module host")

			return runner.Run(ctx, file.Modules)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "apply configuration file changes while running")

	return cmd
}

func reportBindErrors(file *config.File, report func(module.InitError)) {
	for _, be := range file.BindErrors {
		report(be)
	}
}
