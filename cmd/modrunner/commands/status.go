package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/modrunner/pkg/install"
	"github.com/openfroyo/modrunner/pkg/module"
	"github.com/openfroyo/modrunner/pkg/stores"
)

type moduleReport struct {
	ID          string                `json:"id"`
	Version     string                `json:"version,omitempty"`
	InstallType module.InstallType    `json:"install_type"`
	Enabled     bool                  `json:"enabled"`
	DependsOn   []string              `json:"depends_on,omitempty"`
	RequiredBy  []string              `json:"required_by,omitempty"`
	Install     install.State         `json:"install"`
	LastInstall *stores.InstallRecord `json:"last_install,omitempty"`

	History []*stores.InstallRecord `json:"history,omitempty"`
}

type statusReport struct {
	Modules  []moduleReport        `json:"modules"`
	Excluded []module.InitError    `json:"excluded,omitempty"`
	Events   []*stores.EventRecord `json:"events,omitempty"`
}

func newStatusCommand() *cobra.Command {
	var (
		moduleID string
		events   int
		history  int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show install state and recent history",
		Long: `Show the install state of every configured module as found on disk,
the last recorded install attempt and, with --events, the most recent
journal entries.

The state is read from the modules directories and the journal; the
command does not talk to a running host.`,
		Example: `  # Overview of all modules
  modrunner status

  # Last 20 journal entries of one module
  modrunner status --module detector --events 20

  # Install attempts of one module
  modrunner status --module detector --history 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			file, err := loadConfig()
			if err != nil {
				return err
			}

			reg, initErrs := module.BuildRegistry(ctx, file.Modules, module.BuildOptions{
				ModulesRoot:      file.ModuleOptions.ModulesDirPath,
				PreInstalledRoot: file.ModuleOptions.PreInstalledModulesDirPath,
			})

			var store *stores.SQLiteStore
			if _, err := os.Stat(filepath.Join(file.Server.DataDir, journalFile)); err == nil {
				store, err = openJournal(ctx, file)
				if err != nil {
					return err
				}
				defer store.Close()
			}

			if history > 0 && moduleID == "" {
				return errors.New("--history requires --module")
			}

			report := statusReport{Excluded: append(file.BindErrors, initErrs...)}
			resolver := install.NewResolver()
			graph := reg.Graph()
			for _, d := range reg.All() {
				if moduleID != "" && d.ID != moduleID {
					continue
				}
				mr := moduleReport{
					ID:          d.ID,
					Version:     d.Version,
					InstallType: d.InstallType,
					Enabled:     d.Enabled,
					DependsOn:   graph.DependenciesOf(d.ID),
					RequiredBy:  graph.DependentsOf(d.ID),
					Install:     resolver.Resolve(d),
				}
				if store != nil {
					rec, err := store.LatestInstall(ctx, d.ID)
					switch {
					case err == nil:
						mr.LastInstall = rec
					case !errors.Is(err, stores.ErrNotFound):
						return err
					}
					if history > 0 {
						mr.History, err = store.ListInstallRecords(ctx, d.ID, history, 0)
						if err != nil {
							return err
						}
					}
				}
				report.Modules = append(report.Modules, mr)
			}
			if moduleID != "" && len(report.Modules) == 0 {
				return fmt.Errorf("module %s is not in the registry", moduleID)
			}

			if store != nil && events > 0 {
				q := stores.EventQuery{ModuleID: moduleID, Limit: events, Tail: true}
				report.Events, err = store.ListEvents(ctx, q)
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				return writeJSON(os.Stdout, report)
			}
			printStatus(report)
			return nil
		},
	}

	cmd.Flags().StringVarP(&moduleID, "module", "m", "", "only show this module")
	cmd.Flags().IntVarP(&events, "events", "e", 0, "number of journal entries to show")
	cmd.Flags().IntVar(&history, "history", 0, "number of install attempts to show (requires --module)")

	return cmd
}

func printStatus(r statusReport) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODULE\tVERSION\tTYPE\tENABLED\tINSTALL\tLAST ATTEMPT")
	for _, m := range r.Modules {
		state := m.Install.Status.String()
		if m.Install.Code != "" {
			state = fmt.Sprintf("%s [%s]", state, m.Install.Code)
		}
		last := "-"
		if rec := m.LastInstall; rec != nil {
			last = fmt.Sprintf("%s %s", rec.Status, rec.RecordedAt.Local().Format(time.DateTime))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n", m.ID, m.Version, m.InstallType, m.Enabled, state, last)
	}
	_ = w.Flush()

	for _, m := range r.Modules {
		if len(m.RequiredBy) > 0 {
			fmt.Printf("%s is required by %s\n", m.ID, strings.Join(m.RequiredBy, ", "))
		}
		if len(m.History) == 0 {
			continue
		}
		fmt.Printf("\ninstall history of %s\n", m.ID)
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tVERSION\tSTATUS\tCODE\tDURATION")
		for _, rec := range m.History {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", rec.RecordedAt.Local().Format(time.DateTime),
				rec.Version, rec.Status, orDash(rec.Code), rec.Duration.Round(time.Millisecond))
		}
		_ = w.Flush()
	}

	for _, ie := range r.Excluded {
		fmt.Printf("excluded %s: %s\n", ie.ModuleID, ie.Reason)
	}

	if len(r.Events) > 0 {
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tLEVEL\tTYPE\tMESSAGE")
		for _, e := range r.Events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.Level, e.Type, e.Message)
		}
		_ = w.Flush()
	}
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
