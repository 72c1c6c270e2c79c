package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"relink/config"
	"relink/executor"
	"relink/fs"
)

var (
	flagConfig  string
	flagJobs    int
	flagForce   bool
	flagDryRun  bool
	flagVerbose bool
	flagUI      bool
)

var rootCmd = &cobra.Command{
	Use:   "relink",
	Short: "Minimal dependency-aware incremental build driver",
	Long: `relink discovers source files from a relink.star config, decides which
object artifacts are stale by timestamp comparison, recompiles exactly those
and re-links the final binary, all in dependency order.

Running relink without a subcommand is the same as 'relink build'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBuild(cmd.Context())
	},
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Compile stale sources and re-link the binary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBuild(cmd.Context())
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove all generated artifacts and the final binary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClean()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "f", "relink.star", "build config file")
	pf.IntVarP(&flagJobs, "jobs", "j", runtime.NumCPU(), "max parallel compile steps")
	pf.BoolVarP(&flagForce, "force", "B", false, "rebuild everything, ignoring freshness")
	pf.BoolVarP(&flagDryRun, "dry-run", "n", false, "print what would run without running it")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVar(&flagUI, "ui", false, "interactive status view")

	rootCmd.AddCommand(buildCmd, cleanCmd)
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func newExecutor(logger zerolog.Logger) *executor.BuildExecutor {
	be := executor.NewBuildExecutor(fs.RealFileSystem{}, logger)
	be.Jobs = flagJobs
	be.Force = flagForce
	be.DryRun = flagDryRun
	return be
}

func runBuild(ctx context.Context) error {
	logger := newLogger()

	cfg, err := config.ParseStarlarkConfig(flagConfig)
	if err != nil {
		return err
	}

	plan, err := executor.BuildPlan(fs.RealFileSystem{}, cfg)
	if err != nil {
		return err
	}

	be := newExecutor(logger)
	if flagUI && !flagDryRun {
		return runWithUI(ctx, be, plan)
	}
	return be.Execute(ctx, plan)
}

func runClean() error {
	logger := newLogger()

	cfg, err := config.ParseStarlarkConfig(flagConfig)
	if err != nil {
		return err
	}

	// A plan can fail when the sources are gone; the manifest still knows
	// what was generated.
	plan, err := executor.BuildPlan(fs.RealFileSystem{}, cfg)
	if err != nil {
		logger.Debug().Err(err).Msg("planning failed; cleaning from the manifest only")
		plan = &executor.Plan{Binary: cfg.Binary}
	}

	return newExecutor(logger).Clean(plan)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger := newLogger()
		logger.Error().Err(err).Msg("relink failed")
		stop()
		os.Exit(executor.ExitCode(err))
	}
}
