package executor

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellAction(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell assertions assume a POSIX shell")
	}
	ctx := context.Background()

	t.Run("captures output and zero exit", func(t *testing.T) {
		res, err := ShellAction{Command: "echo hello"}.Execute(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
		assert.Contains(t, string(res.Output), "hello")
	})

	t.Run("nonzero exit is not an error", func(t *testing.T) {
		res, err := ShellAction{Command: "echo oops; exit 3"}.Execute(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
		assert.Contains(t, string(res.Output), "oops")
	})

	t.Run("env overlay is visible to the command", func(t *testing.T) {
		res, err := ShellAction{Command: "echo $FORGE_PROBE"}.Execute(ctx, map[string]string{"FORGE_PROBE": "shard-7"})
		require.NoError(t, err)
		assert.Contains(t, string(res.Output), "shard-7")
	})

	t.Run("timeout surfaces as context error", func(t *testing.T) {
		_, err := ShellAction{Command: "sleep 5", Timeout: 50 * time.Millisecond}.Execute(ctx, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("empty command rejected", func(t *testing.T) {
		_, err := ShellAction{Command: "   "}.Execute(ctx, nil)
		assert.Error(t, err)
	})
}

func TestShellActionQuery(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell assertions assume a POSIX shell")
	}
	ctx := context.Background()

	t.Run("stderr kept out of output", func(t *testing.T) {
		res, err := ShellAction{Command: `echo "warning: stale profile" >&2; echo data`}.Query(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, "data\n", string(res.Output))
		assert.Contains(t, string(res.Stderr), "stale profile")
	})

	t.Run("nonzero exit still returns both streams", func(t *testing.T) {
		res, err := ShellAction{Command: `echo partial; echo boom >&2; exit 2`}.Query(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, res.ExitCode)
		assert.Equal(t, "partial\n", string(res.Output))
		assert.Contains(t, string(res.Stderr), "boom")
	})
}

func TestMergeEnv(t *testing.T) {
	merged := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "override", "C": "3"})
	assert.Contains(t, merged, "A=1")
	assert.Contains(t, merged, "B=override")
	assert.Contains(t, merged, "C=3")
	assert.NotContains(t, merged, "B=2")
}
