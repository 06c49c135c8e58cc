package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/stepflow/internal/definition"
	"github.com/pitabwire/stepflow/internal/steps"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>...",
		Short: "Load and validate process definition files",
		Long: `Loads every definition YAML file under the given directories and checks
it against the built-in steps and object factories. Steps registered by an
embedding application are unknown here; use the server's startup validation
for those.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := definition.NewLoader().LoadAll(args)
			if err != nil {
				return err
			}

			verrs := definition.NewValidator(steps.NewRegistry()).Validate(defs)
			out := cmd.OutOrStdout()
			for _, ve := range verrs {
				fmt.Fprintln(out, ve.Error())
			}
			if len(verrs) > 0 {
				return fmt.Errorf("%d validation error(s) in %d definition(s)", len(verrs), len(defs))
			}
			fmt.Fprintf(out, "%d definition(s) valid\n", len(defs))
			return nil
		},
	}
}
