package pipeline

import (
	"bytes"
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"forgeci/internal/config"
	"forgeci/internal/exclusion"
	"forgeci/internal/executor"
	"forgeci/internal/failure"
	"forgeci/internal/partition"
	"forgeci/internal/report"
)

// runTestStep is the full test flow: exclusion filter, partitioner, one
// concurrent worker per shard, barrier, merge, finalize. Shards share no
// mutable state; each produces a private partial report merged at the end.
func (r *Runner) runTestStep(ctx context.Context, job config.Job, step config.Step, env map[string]string, rep *report.Report, logger *zap.Logger) error {
	ts := step.Test

	ids, err := r.collectTests(ctx, ts, env)
	if err != nil {
		return err
	}

	denylist, err := exclusion.Load(ts.Denylist)
	if err != nil {
		return err
	}
	ids, removed := denylist.Filter(ids)
	logger.Info("test corpus filtered",
		zap.Int("candidates", len(ids)+removed),
		zap.Int("excluded", removed))

	snap, err := partition.LoadSnapshot(ts.Timings)
	if err != nil {
		return err
	}

	shardCount := ts.Shards
	if shardCount < 1 {
		shardCount = job.EffectiveParallelism()
	}
	fallback := time.Duration(ts.FallbackWeightMs) * time.Millisecond
	shards := partition.Split(ids, snap, partition.Options{
		Shards:          shardCount,
		FallbackWeight:  fallback,
		ImbalanceFactor: partition.DefaultImbalanceFactor,
		Logger:          logger,
	})

	partials := make([]*report.Report, len(shards))
	var group errgroup.Group
	for i := range shards {
		shard := shards[i]
		partials[i] = report.New(job.Name)
		partial := partials[i]
		group.Go(func() error {
			return r.runShard(ctx, step, shard, env, partial, logger)
		})
	}

	// Barrier: every shard finishes (or fails) before any merging.
	execErr := group.Wait()

	for _, partial := range partials {
		rep.Merge(partial)
	}

	finalErr := rep.Finalize(execErr)

	if ts.UpdateTimings && ts.Timings != "" {
		if observed := rep.Durations(); len(observed) > 0 {
			if err := partition.SaveSnapshot(ts.Timings, snap.Merge(observed)); err != nil {
				logger.Warn("failed to update timing snapshot", zap.Error(err))
			} else {
				logger.Info("timing snapshot updated",
					zap.String("path", ts.Timings),
					zap.Int("tests", len(observed)))
			}
		}
	}

	return finalErr
}

// collectTests resolves the identifier corpus from the inline list or the
// lister command, deduplicating while preserving first-seen order.
func (r *Runner) collectTests(ctx context.Context, ts *config.TestStep, env map[string]string) ([]string, error) {
	var raw []string
	if len(ts.Tests) > 0 {
		raw = ts.Tests
	} else {
		// The lister's stdout is data, not a log: identifiers only, one
		// per line. Query keeps stderr and shell startup noise out of it.
		action := executor.ShellAction{Command: ts.ListCommand, Dir: r.opts.WorkDir}
		res, err := action.Query(ctx, env)
		if err != nil {
			return nil, failure.Wrap(failure.ClassSetup, err, "list tests")
		}
		if res.ExitCode != 0 {
			return nil, failure.New(failure.ClassSetup, "test lister exited %d: %s", res.ExitCode, res.Stderr)
		}
		for _, line := range strings.Split(string(res.Output), "\n") {
			if id := strings.TrimSpace(line); id != "" {
				raw = append(raw, id)
			}
		}
	}

	seen := make(map[string]bool, len(raw))
	ids := make([]string, 0, len(raw))
	for _, id := range raw {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// runShard executes one shard's tests and aggregates its private report.
// Empty shards execute nothing and trivially succeed. A shard's nonzero
// exit becomes the execution signal carried into report finalization,
// never a silent success.
func (r *Runner) runShard(ctx context.Context, step config.Step, shard partition.Shard, env map[string]string, partial *report.Report, logger *zap.Logger) error {
	if shard.Empty() {
		logger.Debug("shard has no work", zap.Int("shard", shard.Index))
		return nil
	}

	logger.Info("shard starting",
		zap.Int("shard", shard.Index),
		zap.Int("total", shard.Total),
		zap.Int("tests", len(shard.Tests)),
		zap.Duration("projected_weight", shard.Weight))

	action := executor.ShellAction{
		Command: step.Test.Run,
		Dir:     r.opts.WorkDir,
		Timeout: time.Duration(step.TimeoutSec) * time.Second,
	}
	res, err := action.Execute(ctx, shardEnv(env, shard.Index, shard.Total, shard.Tests))

	// Aggregate whatever output exists even when the run failed.
	if consumeErr := partial.Consume(bytes.NewReader(res.Output)); consumeErr != nil {
		logger.Warn("shard output aggregation failed", zap.Int("shard", shard.Index), zap.Error(consumeErr))
	}

	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		logger.Warn("shard runner exited nonzero",
			zap.Int("shard", shard.Index),
			zap.Int("exit_code", res.ExitCode))
		return failure.New(failure.ClassTest, "shard %d exited %d", shard.Index, res.ExitCode)
	}
	return nil
}
