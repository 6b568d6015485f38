package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOf(t *testing.T) {
	t.Run("direct classified error", func(t *testing.T) {
		err := New(ClassBuild, "compile exited %d", 2)
		assert.Equal(t, ClassBuild, ClassOf(err))
	})

	t.Run("wrapped classified error survives fmt.Errorf", func(t *testing.T) {
		inner := New(ClassDeterminism, "artifact mismatch")
		outer := fmt.Errorf("job verify: %w", inner)
		assert.Equal(t, ClassDeterminism, ClassOf(outer))
		assert.True(t, Is(outer, ClassDeterminism))
	})

	t.Run("plain error defaults to setup", func(t *testing.T) {
		assert.Equal(t, ClassSetup, ClassOf(errors.New("boom")))
	})
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(ClassConfig, nil, "ignored"))

	cause := errors.New("open denylist.yaml: no such file")
	err := Wrap(ClassConfig, cause, "load denylist")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "load denylist")
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"success", nil, ExitOK},
		{"test failure", New(ClassTest, "3 tests failed"), ExitTestFailure},
		{"build failure", New(ClassBuild, "exit 1"), ExitBuild},
		{"determinism violation", New(ClassDeterminism, "diff"), ExitDeterminism},
		{"cycle", New(ClassCycle, "a -> b -> a"), ExitSetup},
		{"config", New(ClassConfig, "bad yaml"), ExitSetup},
		{"unclassified", errors.New("mystery"), ExitSetup},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, ExitCode(tc.err))
		})
	}
}
