// Package cli implements the todloop command line.
//
// Commands:
//   - run: execute a pipeline file over a TOD list
//   - runs, pending: inspect the run ledger and list TODs left to process
//   - combine, clean: merge per-chunk output files and remove scratch files
//   - routines: list the registered routine types
//
// Process settings come from the environment (see config.LoadConfig);
// flags override them. Data goes to stdout, logs go to stderr, so
// `todloop pending RUN_ID --list tods.txt > retry.txt` yields a new TOD list.
package cli
