package cli

import (
	"strconv"

	"github.com/spf13/cobra"
	"github.com/wehubfusion/todloop/pkg/storage"
)

func newCombineCmd(app *App) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "combine PATTERN",
		Short: "Merge per-chunk output files into one",
		Long: `Combine concatenates the stored files matching PATTERN (path.Match syntax)
in lexical order, dropping lines that start with '#'. Without --output the
combined file is named after the first input minus its last extension, so
run_1/cuts.db.* combines into run_1/cuts.db.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.Storage()
			if err != nil {
				return err
			}
			result, err := storage.Combine(cmd.Context(), client, args[0], output, app.logger)
			if err != nil {
				return err
			}
			app.output(cmd).Print(
				[]string{"OUTPUT", "INPUTS", "LINES"},
				[][]string{{result.Output, strconv.Itoa(len(result.Inputs)), strconv.Itoa(result.Lines)}},
				result,
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Combined file path")
	return cmd
}

func newCleanCmd(app *App) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "clean [PATTERN...]",
		Short: "Remove scratch files",
		Long: `Clean deletes the stored files matching any PATTERN. Without patterns it
removes the per-chunk scratch files (errfile_*, log_*, timefile_*,
cutparams_*, todList_*) under --dir.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.Storage()
			if err != nil {
				return err
			}
			patterns := args
			if len(patterns) == 0 {
				patterns = storage.ScratchPatterns(dir)
			}
			deleted, err := storage.Clean(cmd.Context(), client, patterns, app.logger)
			if err != nil {
				return err
			}
			app.output(cmd).Lines(deleted)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "Directory holding scratch files when no pattern is given")
	return cmd
}
