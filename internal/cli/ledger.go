package cli

import (
	"errors"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	todlerrors "github.com/wehubfusion/todloop/pkg/errors"
	"github.com/wehubfusion/todloop/pkg/ledger"
	"github.com/wehubfusion/todloop/pkg/todlist"
)

func (a *App) openLedger(path string) (*ledger.Ledger, error) {
	if path == "" {
		path = a.config.LedgerPath
	}
	if path == "" {
		return nil, todlerrors.Usage(errors.New("no run ledger: pass --ledger or set TODLOOP_LEDGER_PATH"))
	}
	return ledger.Open(path, "", a.logger)
}

func newRunsCmd(app *App) *cobra.Command {
	var ledgerPath string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs recorded in the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			led, err := app.openLedger(ledgerPath)
			if err != nil {
				return err
			}
			defer led.Close()

			runs, err := led.Runs(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, len(runs))
			for i, r := range runs {
				finished := "-"
				if r.FinishedAt != nil {
					finished = r.FinishedAt.Format(time.RFC3339)
				}
				resumed := "-"
				if r.ResumedFrom != "" {
					resumed = r.ResumedFrom
				}
				rows[i] = []string{r.ID, r.Pipeline, strconv.Itoa(r.Start), strconv.Itoa(r.End), r.State, r.StartedAt.Format(time.RFC3339), finished, resumed}
			}
			app.output(cmd).Print([]string{"ID", "PIPELINE", "START", "END", "STATE", "STARTED", "FINISHED", "RESUMED_FROM"}, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "Run ledger database; overrides TODLOOP_LEDGER_PATH")
	return cmd
}

func newPendingCmd(app *App) *cobra.Command {
	var ledgerPath string
	var listPath string

	cmd := &cobra.Command{
		Use:   "pending RUN_ID",
		Short: "Print the TODs a run left incomplete, one per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			led, err := app.openLedger(ledgerPath)
			if err != nil {
				return err
			}
			defer led.Close()

			if _, err := app.Storage(); err != nil {
				return err
			}
			list, err := todlist.Load(cmd.Context(), app.listSource(listPath))
			if err != nil {
				return err
			}

			pending, err := led.Pending(cmd.Context(), args[0], list)
			if err != nil {
				return err
			}
			lines := make([]string, len(pending))
			for i, id := range pending {
				lines[i] = id.String()
			}
			app.output(cmd).Lines(lines)
			return nil
		},
	}

	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "Run ledger database; overrides TODLOOP_LEDGER_PATH")
	cmd.Flags().StringVar(&listPath, "list", "", "TOD list the run was started on")
	cmd.MarkFlagRequired("list")
	return cmd
}
