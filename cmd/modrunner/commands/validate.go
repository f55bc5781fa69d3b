package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/modrunner/pkg/module"
	"github.com/openfroyo/modrunner/pkg/policy"
)

type validationReport struct {
	Config  string   `json:"config"`
	Modules []string `json:"modules"`

	// StartOrder groups modules by dependency depth.
	StartOrder [][]string          `json:"start_order,omitempty"`
	Policies   []policySummary     `json:"policies,omitempty"`
	Errors     []validationProblem `json:"errors,omitempty"`
}

type policySummary struct {
	Name     string          `json:"name"`
	Severity policy.Severity `json:"severity"`
	Enabled  bool            `json:"enabled"`
}

type validationProblem struct {
	ModuleID string           `json:"module_id"`
	Code     module.ErrorCode `json:"code"`
	Reason   string           `json:"reason"`
}

func newValidateCommand() *cobra.Command {
	var noPolicies, listPolicies bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate the configuration file without starting anything.

This command checks:
  - YAML syntax and option values
  - Every module entry (required fields, install types, checksums)
  - Launch commands and dependency references, including cycles
  - Admission policies (OPA/rego), built-in and configured`,
		Example: `  # Validate the default configuration
  modrunner validate

  # Validate without admission policies, as JSON
  modrunner validate -c host.yaml --no-policies --json

  # Show which policies apply
  modrunner validate --list-policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			file, err := loadConfig()
			if err != nil {
				return err
			}

			opts := module.BuildOptions{
				ModulesRoot:      file.ModuleOptions.ModulesDirPath,
				PreInstalledRoot: file.ModuleOptions.PreInstalledModulesDirPath,
			}
			var engine *policy.Engine
			if !noPolicies {
				engine, err = newPolicyEngine(ctx, file, log.Logger, nil)
				if err != nil {
					return err
				}
				opts.Admission = engine
			}

			reg, initErrs := module.BuildRegistry(ctx, file.Modules, opts)

			report := validationReport{
				Config:     file.Path,
				Modules:    reg.IDs(),
				StartOrder: reg.Graph().Levels,
			}
			if listPolicies && engine != nil {
				for _, p := range engine.ListPolicies() {
					report.Policies = append(report.Policies, policySummary{Name: p.Name, Severity: p.Severity, Enabled: p.Enabled})
				}
			}
			for _, ie := range append(append([]module.InitError(nil), file.BindErrors...), initErrs...) {
				report.Errors = append(report.Errors, validationProblem{
					ModuleID: ie.ModuleID,
					Code:     module.CodeOf(ie.Err),
					Reason:   ie.Reason,
				})
			}

			if jsonOutput {
				if err := writeJSON(os.Stdout, report); err != nil {
					return err
				}
			} else {
				printValidation(report)
			}

			if len(report.Errors) > 0 {
				return fmt.Errorf("%d module(s) failed validation", len(report.Errors))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noPolicies, "no-policies", false, "skip admission policies")
	cmd.Flags().BoolVar(&listPolicies, "list-policies", false, "list the admission policies in effect")

	return cmd
}

func printValidation(r validationReport) {
	fmt.Printf("%s: %d valid module(s)\n", r.Config, len(r.Modules))
	for i, level := range r.StartOrder {
		fmt.Printf("  start %d: %s\n", i+1, strings.Join(level, ", "))
	}

	if len(r.Policies) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "POLICY\tSEVERITY\tENABLED")
		for _, p := range r.Policies {
			fmt.Fprintf(w, "%s\t%s\t%v\n", p.Name, p.Severity, p.Enabled)
		}
		_ = w.Flush()
	}

	if len(r.Errors) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODULE\tCODE\tREASON")
	for _, p := range r.Errors {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.ModuleID, p.Code, p.Reason)
	}
	_ = w.Flush()
}
