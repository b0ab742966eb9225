package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	internalnats "github.com/wehubfusion/todloop/internal/nats"
	"github.com/wehubfusion/todloop/internal/tracing"
	"github.com/wehubfusion/todloop/pkg/config"
	todlerrors "github.com/wehubfusion/todloop/pkg/errors"
	"github.com/wehubfusion/todloop/pkg/events"
	"github.com/wehubfusion/todloop/pkg/ledger"
	"github.com/wehubfusion/todloop/pkg/loop"
	"github.com/wehubfusion/todloop/pkg/routines/registry"
	"github.com/wehubfusion/todloop/pkg/todlist"
	"go.uber.org/zap"
)

type runOptions struct {
	list       string
	start      int
	end        int
	workers    int
	policy     string
	ledgerPath string
	resume     string
}

func newRunCmd(app *App) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run PIPELINE",
		Short: "Run a pipeline file over a TOD list",
		Long: `Run loads the pipeline file, builds its routines and processes the TODs in
[start, end) of the TOD list. With --resume RUN_ID only the TODs that run left
incomplete are processed; this needs the run ledger.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := app.runPipeline(ctx, cmd, args[0], opts)
			if report != nil {
				printReport(app.output(cmd), report)
			}
			if err != nil {
				tags := map[string]string{"pipeline": args[0]}
				if report != nil {
					tags["run_id"] = report.RunID
				}
				app.captureFailure(err, tags)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&opts.list, "list", "", "TOD list path; overrides the pipeline's tod_list")
	cmd.Flags().IntVar(&opts.start, "start", 0, "First TOD index (inclusive)")
	cmd.Flags().IntVar(&opts.end, "end", -1, "Last TOD index (exclusive); -1 processes to the end of the list")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Parallel workers; overrides TODLOOP_WORKERS and the pipeline")
	cmd.Flags().StringVar(&opts.policy, "policy", "", "Failure policy: abort or skip")
	cmd.Flags().StringVar(&opts.ledgerPath, "ledger", "", "Run ledger database; overrides TODLOOP_LEDGER_PATH")
	cmd.Flags().StringVar(&opts.resume, "resume", "", "Process only the TODs a previous run left incomplete")

	return cmd
}

func (a *App) runPipeline(ctx context.Context, cmd *cobra.Command, path string, opts runOptions) (*loop.Report, error) {
	logger := a.logger

	pipeline, err := config.LoadPipeline(path)
	if err != nil {
		return nil, err
	}

	cfg, err := a.loopConfig(cmd, pipeline, opts)
	if err != nil {
		return nil, err
	}

	client, err := a.Storage()
	if err != nil {
		return nil, err
	}

	factory := registry.NewFactory(registry.Dependencies{Storage: client}, logger)
	routines, err := factory.CreateAll(pipeline.Routines)
	if err != nil {
		return nil, err
	}

	loopOpts := []loop.Option{
		loop.WithLogger(logger),
		loop.WithRoutineSetBuilder(registry.Builder(factory, pipeline.Routines)),
	}

	if a.config.OTLPEndpoint != "" {
		shutdown, err := tracing.SetupTracing(ctx, tracing.DefaultConfig(a.config.ServiceName, a.config.OTLPEndpoint), logger)
		if err != nil {
			logger.Warn("Tracing not available", zap.Error(err))
		} else {
			defer tracing.ShutdownTracing(shutdown, logger)
		}
	}

	if a.config.MetricsAddr != "" {
		metrics, stopMetrics, err := serveMetrics(a.config.MetricsAddr, logger)
		if err != nil {
			return nil, err
		}
		defer stopMetrics()
		loopOpts = append(loopOpts, loop.WithMetrics(metrics))
	}

	ledgerPath := a.config.LedgerPath
	if opts.ledgerPath != "" {
		ledgerPath = opts.ledgerPath
	}
	var led *ledger.Ledger
	if ledgerPath != "" {
		led, err = ledger.Open(ledgerPath, pipeline.Name, logger)
		if err != nil {
			return nil, err
		}
		defer led.Close()
		loopOpts = append(loopOpts, loop.WithObserver(led))
	}
	if opts.resume != "" && led == nil {
		return nil, todlerrors.Usage(errors.New("--resume needs a run ledger (--ledger or TODLOOP_LEDGER_PATH)"))
	}

	if a.config.NATSURL != "" {
		publisher, closeEvents, err := a.connectEvents(ctx)
		if err != nil {
			logger.Warn("NATS not available, running without lifecycle events", zap.Error(err))
		} else {
			defer closeEvents()
			loopOpts = append(loopOpts, loop.WithObserver(publisher))
		}
	}

	listPath := pipeline.TODList
	if opts.list != "" {
		listPath = opts.list
	}
	if listPath == "" {
		return nil, todlerrors.Usage(errors.New("no TOD list: set tod_list in the pipeline or pass --list"))
	}
	list, err := todlist.Load(ctx, a.listSource(listPath))
	if err != nil {
		return nil, err
	}

	start, end := pipeline.Window(list.Len())
	if cmd.Flags().Changed("start") {
		start = opts.start
	}
	if cmd.Flags().Changed("end") && opts.end >= 0 {
		end = opts.end
	}

	// A resumed run covers the previous run's window and processes only the
	// TODs it left incomplete, at their positions in the list.
	if opts.resume != "" {
		previous, err := led.Run(ctx, opts.resume)
		if err != nil {
			return nil, err
		}
		pending, err := led.Pending(ctx, opts.resume, list)
		if err != nil {
			return nil, err
		}
		logger.Info("Resuming run",
			zap.String("previous_run_id", opts.resume),
			zap.Int("start", previous.Start),
			zap.Int("end", previous.End),
			zap.Int("pending", len(pending)))
		start, end = previous.Start, previous.End
		loopOpts = append(loopOpts, loop.WithResume(opts.resume, pending...))
	}

	l, err := loop.New(cfg, loopOpts...)
	if err != nil {
		return nil, err
	}
	for _, r := range routines {
		if err := l.AddRoutine(r); err != nil {
			return nil, err
		}
	}
	if err := l.AddTODs(list...); err != nil {
		return nil, err
	}
	return l.Run(ctx, start, end)
}

// loopConfig layers the pipeline and flags over the environment settings.
func (a *App) loopConfig(cmd *cobra.Command, pipeline *config.PipelineFile, opts runOptions) (loop.Config, error) {
	cfg := pipeline.Apply(a.config.LoopConfig())
	if cmd.Flags().Changed("workers") {
		cfg = cfg.WithWorkers(opts.workers)
	}
	if opts.policy != "" {
		policy, err := loop.ParseFailurePolicy(opts.policy)
		if err != nil {
			return cfg, todlerrors.Usage(err)
		}
		cfg = cfg.WithFailurePolicy(policy)
	}
	return cfg, nil
}

// listSource reads TOD lists from blob storage when Azure is configured and
// from the local filesystem otherwise.
func (a *App) listSource(path string) todlist.Source {
	if a.config.AzureConnectionString != "" && a.storage != nil {
		return &todlist.BlobSource{Client: a.storage, Reference: path}
	}
	return &todlist.FileSource{Path: path}
}

func (a *App) connectEvents(ctx context.Context) (*events.Publisher, func(), error) {
	conn, err := internalnats.Connect(ctx, internalnats.DefaultConnectionConfig(a.config.NATSURL), a.logger)
	if err != nil {
		return nil, nil, err
	}
	closeConn := func() {
		if err := internalnats.Close(conn); err != nil {
			a.logger.Warn("Failed to close NATS connection", zap.Error(err))
		}
	}

	js, err := conn.JetStream()
	if err != nil {
		closeConn()
		return nil, nil, fmt.Errorf("JetStream context is not available: %w", err)
	}
	publisher, err := events.NewPublisher(js, events.DefaultConfig(a.config.EventsSubject), a.logger)
	if err != nil {
		closeConn()
		return nil, nil, err
	}
	if err := publisher.EnsureStream(); err != nil {
		closeConn()
		return nil, nil, err
	}
	return publisher, closeConn, nil
}

func printReport(out *Output, report *loop.Report) {
	type jsonReport struct {
		RunID     string   `json:"run_id"`
		State     string   `json:"state"`
		Start     int      `json:"start"`
		End       int      `json:"end"`
		Processed int      `json:"processed"`
		Failed    []string `json:"failed"`
		Duration  string   `json:"duration"`
		Error     string   `json:"error,omitempty"`
		Code      string   `json:"code,omitempty"`
	}

	failed := make([]string, 0)
	for _, id := range report.Failed() {
		failed = append(failed, id.String())
	}
	jr := jsonReport{
		RunID:     report.RunID,
		State:     report.State.String(),
		Start:     report.Start,
		End:       report.End,
		Processed: len(report.Processed()),
		Failed:    failed,
		Duration:  report.Duration().String(),
	}
	if report.Err != nil {
		jr.Error = report.Err.Error()
		jr.Code = string(todlerrors.Classify(report.Err))
	}

	out.Print(
		[]string{"RUN_ID", "STATE", "WINDOW", "PROCESSED", "FAILED", "DURATION"},
		[][]string{{
			jr.RunID,
			jr.State,
			fmt.Sprintf("[%d,%d)", jr.Start, jr.End),
			strconv.Itoa(jr.Processed),
			strconv.Itoa(len(failed)),
			jr.Duration,
		}},
		jr,
	)
}
