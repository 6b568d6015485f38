// Package report converts raw execution output into structured per-job
// reports. Parsing interleaved test-framework text is best-effort; deriving
// the job's final status is not: a report that converted cleanly never
// upgrades a failed execution to success.
package report

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"forgeci/internal/failure"
)

// Status classifies one test outcome.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// TestResult is the outcome of a single test identifier.
type TestResult struct {
	ID       string        `json:"id"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"output,omitempty"`
}

// Report is the merged record of a job's test outcomes plus aggregate
// status. Appends from concurrent shards are mutex-guarded; there is no
// ordering requirement across shards.
type Report struct {
	mu sync.Mutex

	Job       string       `json:"job"`
	RunID     string       `json:"run_id,omitempty"`
	Results   []TestResult `json:"results"`
	Unparsed  []string     `json:"unparsed,omitempty"` // diagnostic lines that matched no pattern
	ExecError string       `json:"exec_error,omitempty"`
	Failed    bool         `json:"failed"`
	StartedAt time.Time    `json:"started_at,omitempty"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
}

// New creates an empty report for a job.
func New(job string) *Report {
	return &Report{Job: job, StartedAt: time.Now().UTC()}
}

// Test-framework line shapes. The indented go-test form and the bare
// prefix form are both accepted:
//
//	--- PASS: TestLinkerRelocs (1.42s)
//	FAIL: TestCrossABI (0.8s)
//	SKIP: TestSignalDelivery
var resultLine = regexp.MustCompile(`^\s*(?:--- )?(PASS|FAIL|SKIP):\s+(\S+)(?:\s+\(([0-9.]+m?s)\))?`)

// Consume parses one raw execution stream and appends to the report.
// Every parseable identifier is classified exactly once (a repeated
// identifier keeps its first classification, later lines become
// diagnostics). Indented detail lines following a result line, the shape
// test frameworks use for assertion output, are captured on that result;
// other unparseable lines are preserved at report level but never block
// classification of parseable ones.
func (r *Report) Consume(stream io.Reader) error {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	seen := make(map[string]bool)
	r.mu.Lock()
	for _, res := range r.Results {
		seen[res.ID] = true
	}
	r.mu.Unlock()

	last := -1 // index of the most recent result appended from this stream
	for scanner.Scan() {
		line := scanner.Text()
		m := resultLine.FindStringSubmatch(line)
		if m == nil {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if last >= 0 && (strings.HasPrefix(line, "\t") || strings.HasPrefix(line, " ")) {
				r.attachOutput(last, trimmed)
			} else {
				r.appendUnparsed(trimmed)
			}
			continue
		}
		id := m[2]
		if seen[id] {
			r.appendUnparsed(line)
			continue
		}
		seen[id] = true

		res := TestResult{ID: id}
		switch m[1] {
		case "PASS":
			res.Status = StatusPass
		case "FAIL":
			res.Status = StatusFail
		case "SKIP":
			res.Status = StatusSkip
		}
		if m[3] != "" {
			if d, err := time.ParseDuration(m[3]); err == nil {
				res.Duration = d
			}
		}
		last = r.append(res)
	}
	return scanner.Err()
}

func (r *Report) append(res TestResult) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results = append(r.Results, res)
	return len(r.Results) - 1
}

func (r *Report) attachOutput(i int, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := &r.Results[i]
	if res.Output != "" {
		res.Output += "\n"
	}
	res.Output += line
}

func (r *Report) appendUnparsed(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Unparsed = append(r.Unparsed, line)
}

// Merge unions partial into r. Shards partition the identifier space, so
// under a correct partitioner there are no identifier collisions to resolve.
func (r *Report) Merge(partial *Report) {
	partial.mu.Lock()
	results := append([]TestResult(nil), partial.Results...)
	unparsed := append([]string(nil), partial.Unparsed...)
	execErr := partial.ExecError
	partial.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results = append(r.Results, results...)
	r.Unparsed = append(r.Unparsed, unparsed...)
	if execErr != "" && r.ExecError == "" {
		r.ExecError = execErr
	}
}

// FailCount reports the number of failed results.
func (r *Report) FailCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, res := range r.Results {
		if res.Status == StatusFail {
			n++
		}
	}
	return n
}

// Counts returns pass/fail/skip totals.
func (r *Report) Counts() (pass, fail, skip int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.Results {
		switch res.Status {
		case StatusPass:
			pass++
		case StatusFail:
			fail++
		case StatusSkip:
			skip++
		}
	}
	return
}

// Durations returns observed per-test durations for timing history updates.
func (r *Report) Durations() map[string]time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Duration, len(r.Results))
	for _, res := range r.Results {
		if res.Duration > 0 {
			out[res.ID] = res.Duration
		}
	}
	return out
}

// Finalize derives the job's final status and returns the classified error
// for a failed job, or nil. The execution's original exit signal wins: a
// cleanly generated report never masks a failed run. With no exit signal
// available, any failed result makes the job fail.
func (r *Report) Finalize(execErr error) error {
	r.mu.Lock()
	r.Elapsed = time.Since(r.StartedAt)
	if execErr != nil {
		r.ExecError = execErr.Error()
	}
	r.mu.Unlock()

	fails := r.FailCount()
	switch {
	case execErr != nil && fails > 0:
		r.setFailed()
		return failure.Wrap(failure.ClassTest, execErr, "job %s: %d test(s) failed", r.Job, fails)
	case execErr != nil:
		r.setFailed()
		return failure.Wrap(failure.ClassTest, execErr, "job %s: execution failed", r.Job)
	case fails > 0:
		r.setFailed()
		return failure.New(failure.ClassTest, "job %s: %d test(s) failed", r.Job, fails)
	default:
		return nil
	}
}

func (r *Report) setFailed() {
	r.mu.Lock()
	r.Failed = true
	r.mu.Unlock()
}

// Write persists the report as JSON under dir/reports/<job>.json, the
// conventional location for external collection.
func (r *Report) Write(dir string) (string, error) {
	r.mu.Lock()
	data, err := json.MarshalIndent(r, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return "", err
	}

	reportsDir := filepath.Join(dir, "reports")
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(reportsDir, r.Job+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads a previously written report artifact.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
