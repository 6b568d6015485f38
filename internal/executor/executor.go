// Package executor runs opaque pipeline steps as subprocesses.
// Steps have a stdin/stdout/exit-code contract and nothing else; the
// pipeline never interprets what a command does, only whether it succeeded.
package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"
)

var errEmptyCommand = errors.New("empty command")

// Result is the outcome of executing an Action.
type Result struct {
	ExitCode int
	Output   []byte // combined stdout+stderr (stdout only for Query)
	Stderr   []byte // populated by Query only
	Duration time.Duration
}

// Action is a single executable step. Implementations must honor ctx
// cancellation and always return captured output, even on failure.
type Action interface {
	Execute(ctx context.Context, env map[string]string) (Result, error)
}

// ShellAction runs a command line through the local shell.
type ShellAction struct {
	Command string
	Dir     string
	Timeout time.Duration
}

// Execute runs the command with the process environment plus env overlaid.
// A nonzero exit is reported via Result.ExitCode, not via the error; the
// error is reserved for failures to run at all (and context expiry).
func (a ShellAction) Execute(ctx context.Context, env map[string]string) (Result, error) {
	return a.run(ctx, env, true)
}

// Query runs the command in a non-login shell and captures stdout only.
// Use it when the output is data to be parsed rather than a log: shell
// profile noise and anything the command writes to stderr stay out of
// Result.Output (stderr is kept separately in Result.Stderr).
func (a ShellAction) Query(ctx context.Context, env map[string]string) (Result, error) {
	return a.run(ctx, env, false)
}

func (a ShellAction) run(ctx context.Context, env map[string]string, combined bool) (Result, error) {
	command := strings.TrimSpace(a.Command)
	if command == "" {
		return Result{ExitCode: -1}, errEmptyCommand
	}

	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	switch {
	case runtime.GOOS == "windows":
		cmd = exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", command)
	case combined:
		cmd = exec.CommandContext(ctx, "bash", "-lc", command)
	default:
		cmd = exec.CommandContext(ctx, "bash", "-c", command)
	}
	if a.Dir != "" {
		cmd.Dir = a.Dir
	}
	cmd.Env = mergeEnv(os.Environ(), env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	if combined {
		cmd.Stderr = &stdout
	} else {
		cmd.Stderr = &stderr
	}

	start := time.Now()
	err := cmd.Run()
	res := Result{Output: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}

	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, err
	}
	return res, nil
}

// mergeEnv overlays extra onto base, last assignment winning.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key := kv[:strings.IndexByte(kv, '=')+1]
		if key == "" {
			continue
		}
		if _, shadowed := extra[strings.TrimSuffix(key, "=")]; !shadowed {
			merged = append(merged, kv)
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, k+"="+extra[k])
	}
	return merged
}
