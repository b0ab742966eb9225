package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	todlerrors "github.com/wehubfusion/todloop/pkg/errors"
	"github.com/wehubfusion/todloop/pkg/config"
	"github.com/wehubfusion/todloop/pkg/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// App holds the state shared by every command. It is populated after flag
// parsing by the root command's PersistentPreRunE.
type App struct {
	version string

	logLevel   string
	storageDir string
	jsonOutput bool

	config  *config.Config
	logger  *zap.Logger
	storage storage.BlobStorageClient
	sentry  bool
}

// NewRootCmd builds the todloop command tree.
func NewRootCmd(version string) *cobra.Command {
	app := &App{version: version}

	rootCmd := &cobra.Command{
		Use:           "todloop",
		Short:         "todloop runs analysis routines over lists of TODs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&app.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides TODLOOP_LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&app.storageDir, "storage-dir", "", "Local storage root; overrides TODLOOP_STORAGE_DIR")
	rootCmd.PersistentFlags().BoolVar(&app.jsonOutput, "json", false, "Output in JSON format")

	rootCmd.AddCommand(
		newRunCmd(app),
		newRunsCmd(app),
		newPendingCmd(app),
		newCombineCmd(app),
		newCleanCmd(app),
		newRoutinesCmd(app),
	)
	return rootCmd
}

func (a *App) init(cmd *cobra.Command) error {
	a.config = config.LoadConfig()
	if a.logLevel != "" {
		a.config.LogLevel = a.logLevel
	}
	if a.storageDir != "" {
		a.config.StorageDir = a.storageDir
	}

	logger, err := newLogger(a.config.LogLevel)
	if err != nil {
		return todlerrors.Usage(err)
	}
	a.logger = logger

	if a.config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              a.config.SentryDSN,
			Release:          "todloop@" + a.version,
			AttachStacktrace: true,
		})
		if err != nil {
			a.logger.Warn("Sentry not available, failures will only be logged", zap.Error(err))
		} else {
			a.sentry = true
		}
	}

	a.logger.Debug("Loaded configuration", zap.Stringer("config", a.config))
	return nil
}

func (a *App) close() {
	if a.sentry {
		sentry.Flush(2 * time.Second)
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// newLogger builds a production logger writing to stderr at level.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// output returns an Output bound to the command's streams.
func (a *App) output(cmd *cobra.Command) *Output {
	return NewOutput(a.jsonOutput, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// Storage returns the artifact store: Azure Blob Storage when a connection
// string is configured, the local storage directory otherwise.
func (a *App) Storage() (storage.BlobStorageClient, error) {
	if a.storage != nil {
		return a.storage, nil
	}
	var (
		client storage.BlobStorageClient
		err    error
	)
	if a.config.AzureConnectionString != "" {
		client, err = storage.NewAzureBlobClient(a.config.AzureConnectionString, a.config.AzureContainer, a.logger)
	} else {
		client, err = storage.NewLocalClient(a.config.StorageDir, a.logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	a.storage = client
	return client, nil
}

// captureFailure reports a failed command to Sentry when it is configured.
func (a *App) captureFailure(err error, tags map[string]string) {
	if !a.sentry || err == nil {
		return
	}
	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		scope.SetTag("code", string(todlerrors.Classify(err)))
		if host, herr := os.Hostname(); herr == nil {
			scope.SetTag("host", host)
		}
		hub.CaptureException(err)
	})
}
