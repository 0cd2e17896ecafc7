package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"montage/internal/api"
	"montage/internal/templates"
)

func newTemplatesCommand(ctx *commandContext) *cobra.Command {
	templatesCmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect the template catalog",
	}
	templatesCmd.AddCommand(newTemplatesListCommand(ctx))
	templatesCmd.AddCommand(newTemplatesValidateCommand())
	return templatesCmd
}

func newTemplatesListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the configured templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			catalog, err := templates.Load(cfg)
			if err != nil {
				return err
			}
			return printCatalog(cmd, catalog, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print templates as JSON")
	return cmd
}

func newTemplatesValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "validate FILE",
		Short:       "Parse a catalog file and dry-run every template composition",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipConfigLoad: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := templates.LoadFile(args[0])
			if err != nil {
				return err
			}
			if err := printCatalog(cmd, catalog, false); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			failures := 0
			for _, problem := range catalog.DryRun() {
				// Problems tied to a clip count are composition failures;
				// the rest are advisory.
				kind := statusWarn
				if problem.Clips > 0 {
					kind = statusError
					failures++
				}
				fmt.Fprintln(out, renderStatusLine(problem.Template, kind, problem.String(), colorize))
			}
			if failures > 0 {
				return fmt.Errorf("catalog dry run found %d composition failure(s)", failures)
			}
			fmt.Fprintf(out, "Catalog valid: %d templates\n", len(catalog.Keys()))
			return nil
		},
	}
}

func printCatalog(cmd *cobra.Command, catalog *templates.Catalog, asJSON bool) error {
	views := api.FromCatalog(catalog)
	if asJSON {
		return writeJSON(cmd, views)
	}
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			v.Key,
			v.Name,
			strconv.Itoa(v.Slots),
			strconv.FormatFloat(v.Duration, 'f', 1, 64),
			yesNo(v.RequiresMap),
			yesNo(v.Simplified),
		})
	}
	fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Key", "Name", "Slots", "Seconds", "Map", "Simplified"}, rows, 2, 3))
	return nil
}
