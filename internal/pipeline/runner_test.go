package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"forgeci/internal/config"
	"forgeci/internal/failure"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func requirePOSIX(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("scheduler tests drive a POSIX shell")
	}
}

// shellJob builds a single-step job running the given command.
func shellJob(name, command string, requires ...string) config.Job {
	return config.Job{
		Name:     name,
		Requires: requires,
		Steps:    []config.Step{{Name: "main", Run: command}},
	}
}

// markerJob appends its name plus a timestamp line to a shared log file.
// flock-free: each append is a single O_APPEND write, small enough to be
// atomic on every platform we test on.
func markerJob(t *testing.T, logPath, name string, requires ...string) config.Job {
	t.Helper()
	cmd := fmt.Sprintf(`echo "%s $(date +%%s%%N)" >> %s`, name, logPath)
	return shellJob(name, cmd, requires...)
}

func readMarkers(t *testing.T, logPath string) []string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	var names []string
	for _, line := range strings.Split(string(data), "\n") {
		if fields := strings.Fields(line); len(fields) > 0 {
			names = append(names, fields[0])
		}
	}
	return names
}

func TestRunSchedulingOrder(t *testing.T) {
	requirePOSIX(t)
	logPath := filepath.Join(t.TempDir(), "order.log")

	// A; B requires A; C requires A.
	jobs := []config.Job{
		markerJob(t, logPath, "jobA"),
		markerJob(t, logPath, "jobB", "jobA"),
		markerJob(t, logPath, "jobC", "jobA"),
	}

	r := NewRunner(Options{Workers: 4})
	result, err := r.Run(context.Background(), jobs)
	require.NoError(t, err)

	for _, name := range []string{"jobA", "jobB", "jobC"} {
		assert.Equal(t, StatusSucceeded, result.Jobs[name].Status)
	}

	markers := readMarkers(t, logPath)
	require.Len(t, markers, 3)
	assert.Equal(t, "jobA", markers[0], "A completes before B or C starts")
}

func TestRunFailureBlocksDependents(t *testing.T) {
	requirePOSIX(t)
	logPath := filepath.Join(t.TempDir(), "blocked.log")

	jobs := []config.Job{
		shellJob("jobA", "exit 1"),
		markerJob(t, logPath, "jobB", "jobA"),
		markerJob(t, logPath, "jobC", "jobA"),
		markerJob(t, logPath, "island"), // independent branch keeps going
	}

	r := NewRunner(Options{Workers: 4})
	result, err := r.Run(context.Background(), jobs)
	require.Error(t, err)

	assert.Equal(t, StatusFailed, result.Jobs["jobA"].Status)
	assert.Equal(t, StatusBlocked, result.Jobs["jobB"].Status)
	assert.Equal(t, StatusBlocked, result.Jobs["jobC"].Status)
	assert.Equal(t, StatusSucceeded, result.Jobs["island"].Status)

	// Blocked jobs never executed.
	markers := readMarkers(t, logPath)
	assert.Equal(t, []string{"island"}, markers)
}

func TestRunCycleError(t *testing.T) {
	jobs := []config.Job{
		shellJob("a", "true", "b"),
		shellJob("b", "true", "a"),
	}
	r := NewRunner(Options{Workers: 2})
	_, err := r.Run(context.Background(), jobs)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.ClassCycle))
}

func TestRunExitClassPrecedence(t *testing.T) {
	requirePOSIX(t)

	// An independent build failure and a test failure in the same run:
	// the run error must map to the more severe exit code.
	testStep := config.Step{
		Name: "unit",
		Test: &config.TestStep{
			Tests: []string{"TestX"},
			Run:   `echo "--- FAIL: TestX (0.01s)"; exit 1`,
		},
	}
	jobs := []config.Job{
		shellJob("broken-build", "exit 2"),
		{Name: "failing-tests", Steps: []config.Step{testStep}},
	}

	r := NewRunner(Options{Workers: 2, OutDir: t.TempDir()})
	result, err := r.Run(context.Background(), jobs)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, result.Jobs["broken-build"].Status)
	assert.Equal(t, StatusFailed, result.Jobs["failing-tests"].Status)
	assert.Equal(t, failure.ExitBuild, failure.ExitCode(err))
}

func TestRunJobEnvScoping(t *testing.T) {
	requirePOSIX(t)
	dir := t.TempDir()
	probeA := filepath.Join(dir, "a.txt")
	probeB := filepath.Join(dir, "b.txt")

	jobs := []config.Job{
		{
			Name: "exporter",
			Steps: []config.Step{
				{Name: "set", Run: "true", Env: map[string]string{"FORGE_FLAVOR": "cross"}},
				{Name: "read", Run: "echo flavor=$FORGE_FLAVOR > " + probeA},
			},
		},
		{
			Name:     "other",
			Requires: []string{"exporter"},
			Steps:    []config.Step{{Name: "read", Run: "echo flavor=$FORGE_FLAVOR > " + probeB}},
		},
	}

	r := NewRunner(Options{Workers: 2})
	_, err := r.Run(context.Background(), jobs)
	require.NoError(t, err)

	a, err := os.ReadFile(probeA)
	require.NoError(t, err)
	assert.Contains(t, string(a), "flavor=cross", "exports visible to later steps of the same job")

	b, err := os.ReadFile(probeB)
	require.NoError(t, err)
	assert.Contains(t, string(b), "flavor=\n", "exports must not leak across jobs")
}

func TestRunCancellation(t *testing.T) {
	requirePOSIX(t)
	out := t.TempDir()

	jobs := []config.Job{shellJob("sleeper", "sleep 30")}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	r := NewRunner(Options{Workers: 1, OutDir: out, GracePeriod: 2 * time.Second})
	result, err := r.Run(ctx, jobs)
	require.Error(t, err)
	assert.Equal(t, StatusCancelled, result.Jobs["sleeper"].Status)

	// Partial report still flushed within the grace period.
	_, statErr := os.Stat(filepath.Join(out, "reports", "sleeper.json"))
	assert.NoError(t, statErr)
}

func TestRunConcurrencyLimit(t *testing.T) {
	requirePOSIX(t)
	dir := t.TempDir()
	gauge := filepath.Join(dir, "gauge")

	// Each job increments a counter file, sleeps, then decrements; with a
	// pool of 2 the recorded high-water mark must never exceed 2.
	script := fmt.Sprintf(`
set -e
lock=%s.lock
while ! mkdir "$lock" 2>/dev/null; do sleep 0.01; done
n=$(cat %s 2>/dev/null || echo 0)
n=$((n+1))
echo $n > %s
hw=$(cat %s.hw 2>/dev/null || echo 0)
if [ $n -gt $hw ]; then echo $n > %s.hw; fi
rmdir "$lock"
sleep 0.2
while ! mkdir "$lock" 2>/dev/null; do sleep 0.01; done
n=$(cat %s)
echo $((n-1)) > %s
rmdir "$lock"
`, gauge, gauge, gauge, gauge, gauge, gauge, gauge)

	var jobs []config.Job
	for i := 0; i < 6; i++ {
		jobs = append(jobs, shellJob(fmt.Sprintf("par%d", i), script))
	}

	r := NewRunner(Options{Workers: 2})
	_, err := r.Run(context.Background(), jobs)
	require.NoError(t, err)

	raw, err := os.ReadFile(gauge + ".hw")
	require.NoError(t, err)
	hw, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)
	assert.LessOrEqual(t, hw, 2, "worker pool limit exceeded")
}
