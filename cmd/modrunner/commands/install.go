package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/modrunner/pkg/install"
	"github.com/openfroyo/modrunner/pkg/module"
	"github.com/openfroyo/modrunner/pkg/stores"
)

type installResult struct {
	ModuleID string           `json:"module_id"`
	Status   string           `json:"status"`
	Path     string           `json:"path,omitempty"`
	Code     module.ErrorCode `json:"code,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Duration time.Duration    `json:"duration"`

	// Retryable failures may succeed on a later run without a
	// configuration change.
	Retryable bool `json:"retryable,omitempty"`
}

func newInstallCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "install [module-id...]",
		Short: "Download downloadable modules",
		Long: `Download and unpack downloadable modules without running them.

Modules that are already installed at the configured version are left
alone unless --force is given. Without arguments every downloadable module
in the configuration is installed.`,
		Example: `  # Install everything that is missing
  modrunner install

  # Re-download one module
  modrunner install detector --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			file, err := loadConfig()
			if err != nil {
				return err
			}

			tel, err := newTelemetry(file, "", false)
			if err != nil {
				return err
			}
			root := tel.Logger.Zerolog()
			logger := tel.Logger.Component("cli")

			var store *stores.SQLiteStore
			defer func() {
				_ = tel.Events.Shutdown(context.Background())
				if store != nil {
					_ = store.Close()
				}
			}()

			if file.Server.JournalEnabled() {
				store, err = openJournal(ctx, file)
				if err != nil {
					return err
				}
				stores.NewJournal(store, root).Attach(tel.Events)
			}

			reg, initErrs := module.BuildRegistry(ctx, file.Modules, module.BuildOptions{
				ModulesRoot:      file.ModuleOptions.ModulesDirPath,
				PreInstalledRoot: file.ModuleOptions.PreInstalledModulesDirPath,
			})
			for _, ie := range initErrs {
				logger.Warn().Str("module", ie.ModuleID).Msgf("Module skipped: %s", ie.Reason)
			}

			targets, err := installTargets(reg, args)
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				fmt.Println("No downloadable modules to install")
				return nil
			}

			if err := os.MkdirAll(file.ModuleOptions.ModulesDirPath, 0o755); err != nil {
				return module.NewFatalError(module.CodeModulesRoot, "cannot create modules root", err)
			}

			resolver := install.NewResolver()
			downloader := install.NewDownloader(resolver, newFetchers(file), root)
			manager := install.NewManager(resolver, downloader, file.ModuleOptions.DownloadConcurrency, root,
				install.WithInstallHook(func(id string, st install.State, elapsed time.Duration) {
					if st.IsInstalled() {
						_ = tel.Events.PublishInstalled(id, st.Version, st.Path, elapsed)
						return
					}
					d, _ := reg.Get(id)
					_ = tel.Events.PublishInstallFailed(id, d.Version, string(st.Code), st.Reason)
				}),
			)

			results := make([]installResult, len(targets))
			g, gctx := errgroup.WithContext(ctx)
			for i, d := range targets {
				g.Go(func() error {
					start := time.Now()
					var st install.State
					if force {
						st = manager.Reinstall(gctx, d)
					} else {
						st = manager.Ensure(gctx, d)
					}
					results[i] = installResult{
						ModuleID: d.ID,
						Status:   st.Status.String(),
						Path:     st.Path,
						Code:     st.Code,
						Reason:   st.Reason,
						Duration: time.Since(start),

						Retryable: st.Err != nil && module.IsRetryable(st.Err),
					}
					return nil
				})
			}
			_ = g.Wait()

			failed := 0
			for _, r := range results {
				if r.Code != "" {
					failed++
				}
			}

			if jsonOutput {
				if err := writeJSON(os.Stdout, results); err != nil {
					return err
				}
			} else {
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "MODULE\tSTATUS\tDURATION\tDETAIL")
				for _, r := range results {
					detail := r.Path
					if r.Code != "" {
						detail = fmt.Sprintf("[%s] %s", r.Code, r.Reason)
						if r.Retryable {
							detail += " (retry later)"
						}
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ModuleID, r.Status, r.Duration.Round(time.Millisecond), detail)
				}
				_ = w.Flush()
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d module(s) failed to install", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "download again even when installed")

	return cmd
}

// installTargets selects the downloadable modules named in ids, or all of
// them when ids is empty.
func installTargets(reg *module.Registry, ids []string) ([]*module.Descriptor, error) {
	if len(ids) == 0 {
		var out []*module.Descriptor
		for _, d := range reg.All() {
			if d.InstallType == module.InstallDownloadable {
				out = append(out, d)
			}
		}
		return out, nil
	}

	out := make([]*module.Descriptor, 0, len(ids))
	for _, id := range ids {
		d, ok := reg.Get(id)
		if !ok {
			return nil, fmt.Errorf("module %s is not in the registry", id)
		}
		if d.InstallType != module.InstallDownloadable {
			return nil, fmt.Errorf("module %s is %s, only downloadable modules can be installed", id, d.InstallType)
		}
		out = append(out, d)
	}
	return out, nil
}
