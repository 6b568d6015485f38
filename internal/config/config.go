// Package config loads and validates the pipeline definition file.
// A pipeline is a set of named jobs with dependency edges, plus typed
// parameters substituted into step commands at load time and named
// workflows selecting job subsets.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"forgeci/internal/failure"
)

// Pipeline is the root of the definition file.
type Pipeline struct {
	Version   int                 `yaml:"version"`
	Params    []Param             `yaml:"params,omitempty"`
	Jobs      []Job               `yaml:"jobs"`
	Workflows map[string][]string `yaml:"workflows,omitempty"`
}

// Param is a typed parameter with a declared default. Values from the
// command line override defaults before substitution.
type Param struct {
	Name    string `yaml:"name"`
	Default string `yaml:"default"`
}

// Job is one schedulable unit: ordered steps, dependency names, and the
// parallelism used by sharded test steps.
type Job struct {
	Name        string   `yaml:"name"`
	Requires    []string `yaml:"requires,omitempty"`
	Parallelism int      `yaml:"parallelism,omitempty"`
	Steps       []Step   `yaml:"steps"`
}

// Step declares exactly one kind of work. Env exports become visible to
// subsequent steps of the same job.
type Step struct {
	Name        string            `yaml:"name"`
	Run         string            `yaml:"run,omitempty"`
	Test        *TestStep         `yaml:"test,omitempty"`
	Determinism *DeterminismStep  `yaml:"determinism,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	TimeoutSec  int               `yaml:"timeout_sec,omitempty"`
}

// TestStep shards a test corpus and runs each shard through a command
// template. The command receives FORGE_SHARD_INDEX, FORGE_SHARD_TOTAL and
// FORGE_SHARD_TESTS (space-joined identifiers) in its environment.
type TestStep struct {
	Tests            []string `yaml:"tests,omitempty"`        // inline identifier list
	ListCommand      string   `yaml:"list_command,omitempty"` // or: command printing one identifier per line
	Run              string   `yaml:"run"`                    // per-shard command
	Denylist         string   `yaml:"denylist,omitempty"`     // path to exclusion file
	Timings          string   `yaml:"timings,omitempty"`      // path to timing snapshot
	Shards           int      `yaml:"shards,omitempty"`       // defaults to job parallelism
	FallbackWeightMs int      `yaml:"fallback_weight_ms,omitempty"`
	UpdateTimings    bool     `yaml:"update_timings,omitempty"` // write observed durations back
}

// DeterminismStep builds twice under two environment configurations and
// compares the normalized artifact.
type DeterminismStep struct {
	Build    string          `yaml:"build"`
	Artifact string          `yaml:"artifact"`
	Configs  []VariantConfig `yaml:"configs"`
	Ignore   []string        `yaml:"ignore,omitempty"` // regexps for ignorable regions
}

// VariantConfig is one named environment configuration.
type VariantConfig struct {
	Name string            `yaml:"name"`
	Env  map[string]string `yaml:"env,omitempty"`
}

// Load reads, substitutes and validates a pipeline definition.
// overrides are --param values taking precedence over declared defaults.
func Load(path string, overrides map[string]string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Wrap(failure.ClassConfig, err, "load pipeline %s", path)
	}
	return Parse(data, overrides)
}

// Parse is Load without the file read, for tests and embedded definitions.
func Parse(data []byte, overrides map[string]string) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, failure.Wrap(failure.ClassConfig, err, "parse pipeline")
	}
	if err := p.substituteParams(overrides); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

var paramRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteParams expands ${name} references in step commands and env
// values. Unknown references are config errors: a silently empty expansion
// inside a shell command is exactly the bug this should catch early.
func (p *Pipeline) substituteParams(overrides map[string]string) error {
	values := make(map[string]string, len(p.Params))
	for _, param := range p.Params {
		values[param.Name] = param.Default
	}
	for name, v := range overrides {
		if _, declared := values[name]; !declared {
			return failure.New(failure.ClassConfig, "override for undeclared param %q", name)
		}
		values[name] = v
	}

	var substErr error
	expand := func(s string) string {
		return paramRef.ReplaceAllStringFunc(s, func(ref string) string {
			name := paramRef.FindStringSubmatch(ref)[1]
			v, ok := values[name]
			if !ok {
				if substErr == nil {
					substErr = failure.New(failure.ClassConfig, "unknown param %q referenced", name)
				}
				return ref
			}
			return v
		})
	}

	for ji := range p.Jobs {
		job := &p.Jobs[ji]
		for si := range job.Steps {
			step := &job.Steps[si]
			step.Run = expand(step.Run)
			for k, v := range step.Env {
				step.Env[k] = expand(v)
			}
			if step.Test != nil {
				step.Test.Run = expand(step.Test.Run)
				step.Test.ListCommand = expand(step.Test.ListCommand)
			}
			if step.Determinism != nil {
				step.Determinism.Build = expand(step.Determinism.Build)
				step.Determinism.Artifact = expand(step.Determinism.Artifact)
			}
		}
	}
	return substErr
}

// Validate checks the structural invariants that must hold before any job
// starts. Cycle detection is the scheduler's concern; every other shape
// problem is caught here.
func (p *Pipeline) Validate() error {
	if len(p.Jobs) == 0 {
		return failure.New(failure.ClassConfig, "pipeline declares no jobs")
	}

	names := make(map[string]bool, len(p.Jobs))
	for _, job := range p.Jobs {
		if job.Name == "" {
			return failure.New(failure.ClassConfig, "job with empty name")
		}
		if names[job.Name] {
			return failure.New(failure.ClassConfig, "duplicate job name %q", job.Name)
		}
		names[job.Name] = true
	}

	for _, job := range p.Jobs {
		if job.Parallelism < 0 {
			return failure.New(failure.ClassConfig, "job %q: negative parallelism", job.Name)
		}
		for _, dep := range job.Requires {
			if !names[dep] {
				return failure.New(failure.ClassConfig, "job %q requires unknown job %q", job.Name, dep)
			}
			if dep == job.Name {
				return failure.New(failure.ClassConfig, "job %q requires itself", job.Name)
			}
		}
		if len(job.Steps) == 0 {
			return failure.New(failure.ClassConfig, "job %q has no steps", job.Name)
		}
		for i, step := range job.Steps {
			if err := step.validate(job.Name, i); err != nil {
				return err
			}
		}
	}

	for wf, jobs := range p.Workflows {
		if len(jobs) == 0 {
			return failure.New(failure.ClassConfig, "workflow %q selects no jobs", wf)
		}
		for _, name := range jobs {
			if !names[name] {
				return failure.New(failure.ClassConfig, "workflow %q references unknown job %q", wf, name)
			}
		}
	}
	return nil
}

func (s Step) validate(job string, index int) error {
	where := fmt.Sprintf("job %q step %d (%s)", job, index, s.Name)

	kinds := 0
	if strings.TrimSpace(s.Run) != "" {
		kinds++
	}
	if s.Test != nil {
		kinds++
	}
	if s.Determinism != nil {
		kinds++
	}
	if kinds != 1 {
		return failure.New(failure.ClassConfig, "%s: exactly one of run/test/determinism required", where)
	}

	if s.Test != nil {
		if strings.TrimSpace(s.Test.Run) == "" {
			return failure.New(failure.ClassConfig, "%s: test step needs a run command", where)
		}
		if len(s.Test.Tests) == 0 && strings.TrimSpace(s.Test.ListCommand) == "" {
			return failure.New(failure.ClassConfig, "%s: test step needs tests or list_command", where)
		}
	}
	if s.Determinism != nil {
		d := s.Determinism
		if strings.TrimSpace(d.Build) == "" || strings.TrimSpace(d.Artifact) == "" {
			return failure.New(failure.ClassConfig, "%s: determinism step needs build and artifact", where)
		}
		if len(d.Configs) != 2 {
			return failure.New(failure.ClassConfig, "%s: determinism step needs exactly two configs, got %d", where, len(d.Configs))
		}
		if d.Configs[0].Name == d.Configs[1].Name {
			return failure.New(failure.ClassConfig, "%s: determinism configs must be distinct", where)
		}
		for _, pattern := range d.Ignore {
			if _, err := regexp.Compile(pattern); err != nil {
				return failure.Wrap(failure.ClassConfig, err, "%s: bad ignore pattern %q", where, pattern)
			}
		}
	}
	return nil
}

// JobByName returns the named job, or nil.
func (p *Pipeline) JobByName(name string) *Job {
	for i := range p.Jobs {
		if p.Jobs[i].Name == name {
			return &p.Jobs[i]
		}
	}
	return nil
}

// SelectWorkflow resolves a workflow name to the selected jobs plus their
// dependency closure, in definition order. An empty name selects all jobs.
func (p *Pipeline) SelectWorkflow(name string) ([]Job, error) {
	if name == "" {
		return p.Jobs, nil
	}
	roots, ok := p.Workflows[name]
	if !ok {
		return nil, failure.New(failure.ClassConfig, "unknown workflow %q", name)
	}

	selected := make(map[string]bool)
	var include func(jobName string)
	include = func(jobName string) {
		if selected[jobName] {
			return
		}
		selected[jobName] = true
		if job := p.JobByName(jobName); job != nil {
			for _, dep := range job.Requires {
				include(dep)
			}
		}
	}
	for _, root := range roots {
		include(root)
	}

	jobs := make([]Job, 0, len(selected))
	for _, job := range p.Jobs {
		if selected[job.Name] {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// EffectiveParallelism returns the job's parallelism with the >=1 floor.
func (j Job) EffectiveParallelism() int {
	if j.Parallelism < 1 {
		return 1
	}
	return j.Parallelism
}
