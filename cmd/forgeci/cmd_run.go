package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forgeci/internal/config"
	"forgeci/internal/failure"
	"forgeci/internal/pipeline"
)

var (
	runWorkflow string
	runParams   []string
	runWorkers  int
	runOutDir   string
	runWorkDir  string
	runGrace    time.Duration
)

// runCmd executes a pipeline (or one of its named workflows).
var runCmd = &cobra.Command{
	Use:   "run [pipeline.yaml]",
	Short: "Execute a pipeline's job graph",
	Long: `Loads the pipeline definition, selects the requested workflow plus its
dependency closure, and executes the job graph over a bounded worker pool.

A SIGINT/SIGTERM aborts in-flight jobs; each gets a grace period to flush
its partial report before being marked cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringVarP(&runWorkflow, "workflow", "w", "", "named workflow to run (default: all jobs)")
	runCmd.Flags().StringArrayVarP(&runParams, "param", "p", nil, "parameter override key=value (repeatable)")
	runCmd.Flags().IntVarP(&runWorkers, "jobs", "j", 4, "overall job concurrency limit")
	runCmd.Flags().StringVarP(&runOutDir, "out", "o", ".forgeci/out", "output directory for report artifacts")
	runCmd.Flags().StringVar(&runWorkDir, "workdir", "", "working directory for step commands")
	runCmd.Flags().DurationVar(&runGrace, "grace", 10*time.Second, "report flush grace period on cancellation")
	rootCmd.AddCommand(runCmd)
}

func parseParamFlags(raw []string) (map[string]string, error) {
	params := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, failure.New(failure.ClassConfig, "bad --param %q, want key=value", kv)
		}
		params[key] = value
	}
	return params, nil
}

func runPipeline(cmd *cobra.Command, args []string) error {
	params, err := parseParamFlags(runParams)
	if err != nil {
		return err
	}

	p, err := config.Load(args[0], params)
	if err != nil {
		return err
	}
	jobs, err := p.SelectWorkflow(runWorkflow)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := pipeline.NewRunner(pipeline.Options{
		Workers:     runWorkers,
		OutDir:      runOutDir,
		WorkDir:     runWorkDir,
		GracePeriod: runGrace,
		Logger:      logger,
	})

	result, runErr := runner.Run(ctx, jobs)
	if result != nil {
		printRunSummary(result)
	}
	if runErr != nil {
		logger.Error("run failed", zap.Error(runErr))
	}
	return runErr
}

func printRunSummary(result *pipeline.RunResult) {
	fmt.Printf("run %s\n", result.RunID)
	for _, name := range sortedJobNames(result) {
		js := result.Jobs[name]
		line := fmt.Sprintf("  %-12s %s", js.Status, name)
		if js.Report != nil {
			pass, fail, skip := js.Report.Counts()
			if pass+fail+skip > 0 {
				line += fmt.Sprintf("  (pass=%d fail=%d skip=%d)", pass, fail, skip)
			}
		}
		fmt.Println(line)
	}
}

func sortedJobNames(result *pipeline.RunResult) []string {
	names := make([]string, 0, len(result.Jobs))
	for name := range result.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
