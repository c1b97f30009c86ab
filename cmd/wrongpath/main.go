// Command wrongpath explores trace programs speculatively and reports
// which paths a pipeline would have executed and then squashed.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"wrongpath"
	"wrongpath/expr"
	"wrongpath/pkg/tracefmt"
	"wrongpath/trace"
)

var (
	cfgPath   string
	logLevel  string
	window    uint64
	workers   int
	lazySolve bool
	bypass    bool
	maxSteps  int
	strategy  string
	seed      int64

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "wrongpath",
	Short: "Bounded wrong-path speculation over trace programs",
	Long: `wrongpath forks execution at every conditional branch and defers the
branch conditions instead of asserting them, so the paths a processor
would speculate down stay live until their conditions retire or hit a
fence. Mispredicted paths are detected, reported and squashed.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		lvl, err := zapcore.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("bad log level %q: %w", logLevel, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		logger, err = cfg.Build()
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run <trace.yaml>",
	Short: "Explore a trace program and report path outcomes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := wrongpath.DefaultOptions()
		if cfgPath != "" {
			var err error
			if opts, err = wrongpath.LoadOptions(cfgPath); err != nil {
				return err
			}
		}
		prog, err := trace.LoadFile(args[0])
		if err != nil {
			return err
		}
		// Flags beat the config file; the trace's own window applies
		// only when nothing else set one.
		if prog.Window != nil && cfgPath == "" && !cmd.Flags().Changed("window") {
			opts.WindowSize = *prog.Window
		}
		if cmd.Flags().Changed("window") {
			opts.WindowSize = window
		}
		if cmd.Flags().Changed("workers") {
			opts.Workers = workers
		}
		if cmd.Flags().Changed("lazy-solve") {
			opts.LazySolve = lazySolve
		}
		if cmd.Flags().Changed("bypass-unsupported") {
			opts.BypassUnsupported = bypass
		}
		if cmd.Flags().Changed("max-steps") {
			opts.MaxSteps = maxSteps
		}
		if err := opts.Validate(); err != nil {
			return err
		}
		searcher, err := newSearcher()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		lg := wrongpath.NewZapLogger(logger)
		engine := wrongpath.NewEngine(opts, lg)
		mgr := wrongpath.NewManager(prog.Image, engine, searcher, opts, lg)
		if err := mgr.AddState(wrongpath.NewRootState(prog.Entry, expr.NewSystem(), opts)); err != nil {
			return err
		}

		logger.Info("exploring trace",
			zap.String("file", args[0]),
			zap.String("entry", fmt.Sprintf("%#x", prog.Entry)),
			zap.Uint64("window", opts.WindowSize),
			zap.Int("workers", opts.Workers))

		var runErr error
		if opts.Workers > 1 {
			runErr = mgr.RunParallel(ctx, opts.Workers)
		} else {
			runErr = mgr.Run(ctx)
		}
		printReport(mgr.Report())
		return runErr
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <trace.yaml>",
	Short: "Print the fetch units of a trace program",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prog, err := trace.LoadFile(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("entry %#x\n", prog.Entry)
		if prog.Window != nil {
			fmt.Printf("window %d\n", *prog.Window)
		}
		for _, s := range prog.Symbols {
			fmt.Printf("sym %s:%d\n", s.Name, s.Width)
		}
		fmt.Println()
		fmt.Print(tracefmt.FormatImage(prog.Image, tracefmt.Cfg{Color: stdoutIsTTY()}))
		return nil
	},
}

func newSearcher() (wrongpath.Searcher, error) {
	switch strategy {
	case "dfs", "":
		return wrongpath.NewDFSSearcher(), nil
	case "bfs":
		return wrongpath.NewBFSSearcher(), nil
	case "random":
		return wrongpath.NewRandomSearcher(rand.New(rand.NewSource(seed))), nil
	}
	return nil, fmt.Errorf("unknown search strategy %q", strategy)
}

func stdoutIsTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func printReport(r *wrongpath.Report) {
	color := stdoutIsTTY()
	paint := func(s, code string) string {
		if !color {
			return s
		}
		return code + s + "\x1b[0m"
	}
	green, red, yellow := "\x1b[32m", "\x1b[31m", "\x1b[33m"

	fmt.Printf("steps        %d\n", r.Steps)
	fmt.Printf("completed    %s\n", paint(fmt.Sprint(len(r.Completed)), green))
	fmt.Printf("mispredicted %s\n", paint(fmt.Sprint(len(r.Mispredicted)), red))
	fmt.Printf("deadended    %s\n", paint(fmt.Sprint(len(r.Deadended)), yellow))
	fmt.Printf("errored      %s\n", paint(fmt.Sprint(len(r.Errored)), yellow))

	for _, st := range r.Mispredicted {
		fmt.Printf("  %s s%d [%s] squashed after %d instructions\n",
			paint("wrong-path", red), st.ID, st.Lineage, st.Spec.InsExecuted())
	}
	for _, es := range r.Errored {
		fmt.Printf("  %s s%d [%s]: %v\n", paint("error", yellow), es.State.ID, es.State.Lineage, es.Err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "options file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "zap log level (debug, info, warn, error)")

	runCmd.Flags().Uint64Var(&window, "window", wrongpath.DefaultOptions().WindowSize, "reorder window in instructions")
	runCmd.Flags().IntVar(&workers, "workers", 1, "concurrent exploration workers")
	runCmd.Flags().BoolVar(&lazySolve, "lazy-solve", false, "skip satisfiability checks at retirement")
	runCmd.Flags().BoolVar(&bypass, "bypass-unsupported", false, "record unsupported statements instead of failing the path")
	runCmd.Flags().IntVar(&maxSteps, "max-steps", wrongpath.DefaultOptions().MaxSteps, "maximum block executions")
	runCmd.Flags().StringVar(&strategy, "searcher", "dfs", "search strategy (dfs, bfs, random)")
	runCmd.Flags().Int64Var(&seed, "seed", 1, "seed for the random searcher")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
