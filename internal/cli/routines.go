package cli

import (
	"github.com/spf13/cobra"
	"github.com/wehubfusion/todloop/pkg/routines/registry"
)

func newRoutinesCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "routines",
		Short: "List the available routine types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.Storage()
			if err != nil {
				return err
			}
			types := registry.NewFactory(registry.Dependencies{Storage: client}, app.logger).RegisteredTypes()

			rows := make([][]string, len(types))
			for i, t := range types {
				rows[i] = []string{t}
			}
			app.output(cmd).Print([]string{"TYPE"}, rows, types)
			return nil
		},
	}
}
