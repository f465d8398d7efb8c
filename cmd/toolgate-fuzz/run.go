package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tb0hdan/toolgate-mcp/pkg/harness"
	"github.com/tb0hdan/toolgate-mcp/pkg/metrics"
	"github.com/tb0hdan/toolgate-mcp/pkg/storage"
)

type runOptions struct {
	seed        int64
	perCategory int
	timeout     time.Duration
	concurrency int
	limit       int
	targets     []string
	format      string
	debug       bool
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the corpus against the selected targets",
		Example: `  toolgate-fuzz run
  toolgate-fuzz run --seed 7 --per-category 200 --targets guard,normalizer
  toolgate-fuzz run --format yaml > report.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarness(cmd, opts)
		},
	}

	cmd.Flags().Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "corpus seed")
	cmd.Flags().IntVar(&opts.perCategory, "per-category", harness.DefaultPerCategory, "cases per category")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", harness.DefaultCaseTimeout, "per-case timeout")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "concurrent cases (default GOMAXPROCS)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "run only the first N cases")
	cmd.Flags().StringSliceVar(&opts.targets, "targets", []string{"guard", "normalizer", "dispatcher"}, "targets to exercise")
	cmd.Flags().StringVar(&opts.format, "format", harness.FormatText, "report format: text, json or yaml")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "log harness internals to stderr")
	return cmd
}

func runHarness(cmd *cobra.Command, opts runOptions) error {
	switch opts.format {
	case harness.FormatText, harness.FormatJSON, harness.FormatYAML:
	default:
		return fmt.Errorf("unsupported format %q", opts.format)
	}
	targets := make([]harness.Target, 0, len(opts.targets))
	for _, name := range opts.targets {
		target, err := harness.ParseTarget(name)
		if err != nil {
			return err
		}
		targets = append(targets, target)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)
	if opts.debug {
		logger = logger.Level(zerolog.DebugLevel)
	}

	dir, err := os.MkdirTemp("", ProgramName+"-*")
	if err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(dir)

	store, err := storage.NewSQLiteStorage(storage.Config{DatabasePath: filepath.Join(dir, "harness.db")})
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	d, err := harness.NewDispatcher(store, logger, metrics.NewIsolated())
	if err != nil {
		return err
	}
	defer d.Close()

	runner, err := harness.NewRunner(harness.NewCorpus(opts.seed, opts.perCategory), d, harness.Options{
		Targets:     targets,
		Concurrency: opts.concurrency,
		CaseTimeout: opts.timeout,
		Limit:       opts.limit,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	report, err := runner.Run(cmd.Context())
	if err != nil {
		return err
	}
	if err := report.Write(cmd.OutOrStdout(), opts.format); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if !report.OK() {
		return errFailuresFound
	}
	return nil
}
