package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"forgeci/internal/config"
	"forgeci/internal/failure"
	"forgeci/internal/report"
)

// JobStatus is the lifecycle state of one job in a run.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusBlocked   JobStatus = "blocked"   // a transitive dependency failed; never executed
	StatusCancelled JobStatus = "cancelled" // aborted by external signal, distinct from failed
)

// JobState is the final record for one job.
type JobState struct {
	Name   string
	Status JobStatus
	Err    error
	Report *report.Report
}

// RunResult summarizes a pipeline run.
type RunResult struct {
	RunID string
	Jobs  map[string]*JobState
}

// Err derives the run's overall error: nil iff every job succeeded and
// nothing was blocked. When multiple jobs failed the most severe class
// (by exit code) wins, so the process exit status stays informative.
func (r *RunResult) Err() error {
	var worst error
	blocked := 0
	for _, name := range r.sortedNames() {
		js := r.Jobs[name]
		switch js.Status {
		case StatusBlocked:
			blocked++
			continue
		case StatusFailed, StatusCancelled:
		default:
			continue
		}
		err := js.Err
		if err == nil {
			err = failure.New(failure.ClassSetup, "job %s did not succeed", name)
		}
		if worst == nil || failure.ExitCode(err) > failure.ExitCode(worst) {
			worst = err
		}
	}
	if worst == nil && blocked > 0 {
		// Should not happen (something must have failed to block them),
		// but a blocked required job can never count as success.
		worst = failure.New(failure.ClassSetup, "%d job(s) blocked", blocked)
	}
	return worst
}

func (r *RunResult) sortedNames() []string {
	names := make([]string, 0, len(r.Jobs))
	for name := range r.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Options configure a Runner.
type Options struct {
	Workers     int           // overall concurrency limit across jobs, >= 1
	OutDir      string        // report artifacts land under OutDir/reports
	WorkDir     string        // working directory for step commands
	GracePeriod time.Duration // report-flush window after cancellation
	Logger      *zap.Logger
}

// Runner schedules jobs over a bounded worker pool.
type Runner struct {
	opts   Options
	logger *zap.Logger
}

// NewRunner creates a Runner. Zero-value options get working defaults.
func NewRunner(opts Options) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runner{opts: opts, logger: opts.Logger}
}

// jobDone is the completion signal from a job goroutine.
type jobDone struct {
	name      string
	err       error
	cancelled bool
}

// Run executes the selected jobs respecting dependency order. Jobs whose
// dependencies are satisfied run concurrently up to Options.Workers. A
// failed job blocks its transitive dependents; independent branches keep
// going. The returned RunResult always contains a state for every job.
func (r *Runner) Run(ctx context.Context, jobs []config.Job) (*RunResult, error) {
	g, err := buildGraph(jobs)
	if err != nil {
		return nil, err
	}

	result := &RunResult{
		RunID: uuid.NewString(),
		Jobs:  make(map[string]*JobState, len(jobs)),
	}
	for _, job := range jobs {
		result.Jobs[job.Name] = &JobState{Name: job.Name, Status: StatusPending}
	}

	r.logger.Info("pipeline run starting",
		zap.String("run_id", result.RunID),
		zap.Int("jobs", len(jobs)),
		zap.Int("workers", r.opts.Workers))

	inDegree := make(map[string]int, len(g.inDegree))
	for name, d := range g.inDegree {
		inDegree[name] = d
	}

	sem := semaphore.NewWeighted(int64(r.opts.Workers))
	done := make(chan jobDone)
	running := 0

	// Ready queue kept sorted so dispatch order is deterministic for
	// equally-eligible jobs (no ordering guarantee, but reproducible logs).
	var ready []string
	for name, d := range inDegree {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	dispatch := func(name string) {
		js := result.Jobs[name]
		js.Status = StatusRunning
		running++
		job := g.jobs[name]
		go func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				done <- jobDone{name: name, err: err, cancelled: true}
				return
			}
			defer sem.Release(1)
			err, cancelled := r.runJob(ctx, job, result)
			done <- jobDone{name: name, err: err, cancelled: cancelled}
		}()
	}

	block := func(name string) {
		for _, dep := range g.transitiveDependents(name) {
			js := result.Jobs[dep]
			if js.Status == StatusPending {
				js.Status = StatusBlocked
				r.logger.Warn("job blocked by failed dependency",
					zap.String("job", dep), zap.String("failed", name))
			}
		}
	}

	for {
		for _, name := range ready {
			dispatch(name)
		}
		ready = ready[:0]

		if running == 0 {
			break
		}

		ev := <-done
		running--
		js := result.Jobs[ev.name]
		switch {
		case ev.cancelled:
			js.Status = StatusCancelled
			js.Err = ev.err
			block(ev.name)
		case ev.err != nil:
			js.Status = StatusFailed
			js.Err = ev.err
			r.logger.Error("job failed", zap.String("job", ev.name), zap.Error(ev.err))
			block(ev.name)
		default:
			js.Status = StatusSucceeded
			r.logger.Info("job succeeded", zap.String("job", ev.name))
			for _, dep := range g.dependents[ev.name] {
				if result.Jobs[dep].Status != StatusPending {
					continue
				}
				inDegree[dep]--
				if inDegree[dep] == 0 {
					ready = append(ready, dep)
				}
			}
			sort.Strings(ready)
		}
	}

	runErr := result.Err()
	r.logger.Info("pipeline run finished",
		zap.String("run_id", result.RunID),
		zap.Bool("success", runErr == nil))
	return result, runErr
}
