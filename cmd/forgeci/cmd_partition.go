package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"forgeci/internal/config"
	"forgeci/internal/exclusion"
	"forgeci/internal/executor"
	"forgeci/internal/failure"
	"forgeci/internal/partition"
)

var (
	partitionStep   string
	partitionShards int
	partitionParams []string
)

// partitionCmd shows the shard plan for a test step without running it.
var partitionCmd = &cobra.Command{
	Use:   "partition [pipeline.yaml]",
	Short: "Dry-run the exclusion filter and partitioner for a test step",
	Long: `Resolves a test step's corpus, applies its denylist, and prints the
shard assignment the partitioner would produce, with projected weights.
Useful for inspecting balance before committing to a shard count.`,
	Args: cobra.ExactArgs(1),
	RunE: showPartition,
}

func init() {
	partitionCmd.Flags().StringVarP(&partitionStep, "step", "s", "", "step reference as job/step (required)")
	partitionCmd.Flags().IntVarP(&partitionShards, "shards", "n", 0, "override shard count")
	partitionCmd.Flags().StringArrayVarP(&partitionParams, "param", "p", nil, "parameter override key=value (repeatable)")
	_ = partitionCmd.MarkFlagRequired("step")
	rootCmd.AddCommand(partitionCmd)
}

// findStep resolves a job/step reference to the step, whatever its kind.
func findStep(p *config.Pipeline, ref string) (config.Job, config.Step, error) {
	jobName, stepName, ok := strings.Cut(ref, "/")
	if !ok {
		return config.Job{}, config.Step{}, failure.New(failure.ClassConfig, "bad --step %q, want job/step", ref)
	}
	job := p.JobByName(jobName)
	if job == nil {
		return config.Job{}, config.Step{}, failure.New(failure.ClassConfig, "unknown job %q", jobName)
	}
	for _, step := range job.Steps {
		if step.Name == stepName {
			return *job, step, nil
		}
	}
	return config.Job{}, config.Step{}, failure.New(failure.ClassConfig, "job %q has no step %q", jobName, stepName)
}

func showPartition(cmd *cobra.Command, args []string) error {
	params, err := parseParamFlags(partitionParams)
	if err != nil {
		return err
	}
	p, err := config.Load(args[0], params)
	if err != nil {
		return err
	}
	job, step, err := findStep(p, partitionStep)
	if err != nil {
		return err
	}
	if step.Test == nil {
		return failure.New(failure.ClassConfig, "step %q is not a test step", partitionStep)
	}
	ts := step.Test

	var ids []string
	if len(ts.Tests) > 0 {
		ids = ts.Tests
	} else {
		res, err := executor.ShellAction{Command: ts.ListCommand}.Query(context.Background(), nil)
		if err != nil || res.ExitCode != 0 {
			return failure.New(failure.ClassSetup, "test lister failed (exit %d): %v%s", res.ExitCode, err, res.Stderr)
		}
		for _, line := range strings.Split(string(res.Output), "\n") {
			if id := strings.TrimSpace(line); id != "" {
				ids = append(ids, id)
			}
		}
	}

	denylist, err := exclusion.Load(ts.Denylist)
	if err != nil {
		return err
	}
	ids, removed := denylist.Filter(ids)

	snap, err := partition.LoadSnapshot(ts.Timings)
	if err != nil {
		return err
	}

	shardCount := partitionShards
	if shardCount < 1 {
		shardCount = ts.Shards
	}
	if shardCount < 1 {
		shardCount = job.EffectiveParallelism()
	}

	shards := partition.Split(ids, snap, partition.Options{
		Shards:         shardCount,
		FallbackWeight: time.Duration(ts.FallbackWeightMs) * time.Millisecond,
		Logger:         logger,
	})

	fmt.Printf("corpus: %d tests (%d excluded), %d shard(s)\n", len(ids), removed, shardCount)
	for _, shard := range shards {
		fmt.Printf("  shard %d/%d: %3d tests, projected %v\n",
			shard.Index, shard.Total, len(shard.Tests), shard.Weight.Round(time.Millisecond))
		for _, id := range shard.Tests {
			fmt.Printf("    %s\n", id)
		}
	}
	return nil
}
