package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"go.uber.org/zap"

	"forgeci/internal/config"
	"forgeci/internal/determinism"
	"forgeci/internal/executor"
	"forgeci/internal/failure"
	"forgeci/internal/report"
)

// runJob executes a job's steps sequentially with a job-scoped mutable
// environment and a job-scoped temp dir. Every exit path (success,
// failure, cancellation) releases resources and flushes the report first.
// The bool return reports cancellation, which the scheduler records as a
// distinct status.
func (r *Runner) runJob(ctx context.Context, job config.Job, result *RunResult) (jobErr error, cancelled bool) {
	logger := r.logger.With(zap.String("job", job.Name))
	logger.Info("job starting", zap.Int("steps", len(job.Steps)))

	rep := report.New(job.Name)
	rep.RunID = result.RunID
	result.Jobs[job.Name].Report = rep

	// Job-scoped environment: step exports accumulate here and are visible
	// to later steps of this job only.
	env := map[string]string{
		"FORGE_RUN_ID": result.RunID,
		"FORGE_JOB":    job.Name,
	}

	tmpDir, err := os.MkdirTemp("", "forgeci-"+job.Name+"-")
	if err != nil {
		return failure.Wrap(failure.ClassSetup, err, "job %s: temp dir", job.Name), false
	}
	env["FORGE_TMPDIR"] = tmpDir

	defer func() {
		_ = os.RemoveAll(tmpDir)
		r.flushReport(rep, logger)
	}()

	// A test failure must not stop later steps of the job, but still makes
	// the job's final status failure.
	var testErr error

	for i, step := range job.Steps {
		select {
		case <-ctx.Done():
			return ctx.Err(), true
		default:
		}

		for k, v := range step.Env {
			env[k] = v
		}

		stepLogger := logger.With(zap.String("step", step.Name), zap.Int("index", i))
		stepLogger.Info("step starting")
		start := time.Now()

		var err error
		switch {
		case step.Test != nil:
			err = r.runTestStep(ctx, job, step, env, rep, stepLogger)
		case step.Determinism != nil:
			err = r.runDeterminismStep(ctx, step, env, stepLogger)
		default:
			err = r.runShellStep(ctx, step, env, rep, stepLogger)
		}
		stepLogger.Info("step finished", zap.Duration("elapsed", time.Since(start)), zap.Error(err))

		if err == nil {
			continue
		}
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return err, true
		}
		if failure.Is(err, failure.ClassTest) {
			testErr = err
			continue
		}
		// Fatal classes abort the job immediately; remaining steps are
		// not attempted.
		return err, false
	}

	return testErr, false
}

// flushReport writes the (possibly partial) report artifact. Runs under a
// fresh context so a cancelled job still gets its grace-period flush.
func (r *Runner) flushReport(rep *report.Report, logger *zap.Logger) {
	if r.opts.OutDir == "" {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if path, err := rep.Write(r.opts.OutDir); err != nil {
			logger.Error("failed to write report", zap.Error(err))
		} else {
			logger.Info("report written", zap.String("path", path))
		}
	}()
	select {
	case <-done:
	case <-time.After(r.opts.GracePeriod):
		logger.Warn("report flush exceeded grace period, discarding")
	}
}

// runShellStep executes an opaque command. Its raw output still passes
// through the aggregator so framework-formatted lines inside build logs
// are not lost. A nonzero exit is a build failure.
func (r *Runner) runShellStep(ctx context.Context, step config.Step, env map[string]string, rep *report.Report, logger *zap.Logger) error {
	action := executor.ShellAction{
		Command: step.Run,
		Dir:     r.opts.WorkDir,
		Timeout: time.Duration(step.TimeoutSec) * time.Second,
	}
	res, err := action.Execute(ctx, env)
	if consumeErr := rep.Consume(bytes.NewReader(res.Output)); consumeErr != nil {
		logger.Warn("output aggregation failed", zap.Error(consumeErr))
	}
	if err != nil {
		return failure.Wrap(failure.ClassBuild, err, "step %s", step.Name)
	}
	if res.ExitCode != 0 {
		logger.Error("step exited nonzero", zap.Int("exit_code", res.ExitCode))
		return failure.New(failure.ClassBuild, "step %s exited %d", step.Name, res.ExitCode)
	}
	return nil
}

// runDeterminismStep builds twice under the step's two configurations and
// compares normalized artifacts.
func (r *Runner) runDeterminismStep(ctx context.Context, step config.Step, env map[string]string, logger *zap.Logger) error {
	d := step.Determinism

	ignore := make([]*regexp.Regexp, 0, len(d.Ignore))
	for _, pattern := range d.Ignore {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return failure.Wrap(failure.ClassConfig, err, "step %s: ignore pattern %q", step.Name, pattern)
		}
		ignore = append(ignore, re)
	}

	spec := determinism.BuildSpec{
		Command:      d.Build,
		ArtifactPath: d.Artifact,
		Dir:          r.opts.WorkDir,
		Timeout:      time.Duration(step.TimeoutSec) * time.Second,
		Ignore:       ignore,
	}
	configs := make([]determinism.Config, 2)
	for i, vc := range d.Configs {
		merged := make(map[string]string, len(env)+len(vc.Env))
		for k, v := range env {
			merged[k] = v
		}
		for k, v := range vc.Env {
			merged[k] = v
		}
		configs[i] = determinism.Config{Name: vc.Name, Env: merged}
	}

	return determinism.NewVerifier(logger).Verify(ctx, spec, configs[0], configs[1])
}

func shardEnv(base map[string]string, index, total int, tests []string) map[string]string {
	env := make(map[string]string, len(base)+3)
	for k, v := range base {
		env[k] = v
	}
	env["FORGE_SHARD_INDEX"] = fmt.Sprintf("%d", index)
	env["FORGE_SHARD_TOTAL"] = fmt.Sprintf("%d", total)
	env["FORGE_SHARD_TESTS"] = joinTests(tests)
	return env
}

func joinTests(tests []string) string {
	var b bytes.Buffer
	for i, t := range tests {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(t)
	}
	return b.String()
}
