/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the drug budget engine: runs the HTTP server and
  offers offline import/export against the same database.

COMMANDS:
  serve   Start the HTTP API (default when no command is given)
  import  Reconcile a spreadsheet into a DRAFT request
  export  Write a request's items to an xlsx file

GLOBAL FLAGS:
  --config  YAML config file (see config/config.go for keys)
  --db      SQLite database path, overrides database.path
            Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  ./server serve --config ./config.yaml
  ./server serve --db=":memory:" --port=3000
  ./server import --request 12 --file plan.xlsx --mode update --user pharm01
  ./server export --request 12 --out BR-2568-001.xlsx

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/drug-budget/budget"
	"github.com/warp/drug-budget/config"
	"github.com/warp/drug-budget/sheet"
	"github.com/warp/drug-budget/store/sqlite"
)

// RootOptions holds the flags shared by every command.
type RootOptions struct {
	ConfigPath string
	DBPath     string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &RootOptions{}
	serve := newServeCommand(opts)

	root := &cobra.Command{
		Use:           "server",
		Short:         "Hospital drug budget request and allocation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&opts.DBPath, "db", "", "SQLite database path (overrides config)")
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(serve, newImportCommand(opts), newExportCommand(opts))
	return root
}

// app is the wired runtime shared by the commands.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	store  *sqlite.Store
	engine *budget.Engine
}

// open loads configuration and wires store, logger and engine. reg may be
// nil when metrics are not exported.
func open(opts *RootOptions, reg prometheus.Registerer) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.DBPath != "" {
		cfg.Database.Path = opts.DBPath
	}

	logger, err := cfg.Logger()
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	metrics := budget.NewMetrics(reg)
	engine := budget.NewEngine(store, store)
	engine.Usage = store
	engine.Parser = sheet.Parser{}
	engine.Logger = logger
	engine.Metrics = metrics
	engine.Audit = budget.NewRecorder(logger, metrics)
	engine.Rules = cfg.Rules()

	return &app{cfg: cfg, logger: logger, store: store, engine: engine}, nil
}

func (a *app) Close() {
	a.store.Close()
	a.logger.Sync()
}
