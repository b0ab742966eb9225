// Command todloop runs analysis pipelines over lists of TODs.
//
// Usage:
//
//	todloop [--log-level LEVEL] [--storage-dir DIR] [--json] <command> [flags]
//
// Commands:
//
//	run       Run a pipeline file over a TOD list
//	runs      List runs recorded in the ledger
//	pending   Print the TODs a run left incomplete
//	combine   Merge per-chunk output files
//	clean     Remove scratch files
//	routines  List the available routine types
package main

import (
	"fmt"
	"os"

	"github.com/wehubfusion/todloop/internal/cli"
	"github.com/wehubfusion/todloop/pkg/config"
	todlerrors "github.com/wehubfusion/todloop/pkg/errors"
)

// version is set via ldflags at build time.
var version = "dev"

func main() {
	undo := config.InitializeForKubernetes(nil)

	err := cli.NewRootCmd(version).Execute()
	undo()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(todlerrors.ExitCode(err))
	}
}
