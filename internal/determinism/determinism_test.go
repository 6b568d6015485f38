package determinism

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeci/internal/failure"
)

func TestNormalize(t *testing.T) {
	a := Artifact{
		Data:   []byte("built from /tmp/build-8f3a/src at 2026-08-30T10:00:00Z"),
		Ignore: []*regexp.Regexp{regexp.MustCompile(`/tmp/build-[0-9a-f]+`), regexp.MustCompile(`\d{4}-\d{2}-\d{2}T[\d:]+Z`)},
	}
	b := Artifact{
		Data:   []byte("built from /tmp/build-11c0/src at 2026-08-30T10:05:17Z"),
		Ignore: a.Ignore,
	}
	assert.Equal(t, a.Normalize(), b.Normalize())
	// Source bytes untouched.
	assert.Contains(t, string(a.Data), "/tmp/build-8f3a")
}

func TestCompare(t *testing.T) {
	t.Run("identical inputs yield nil", func(t *testing.T) {
		assert.Nil(t, Compare("a", "b", []byte("same\nbytes\n"), []byte("same\nbytes\n")))
	})

	t.Run("difference yields non-empty structured diff", func(t *testing.T) {
		a := []byte("header\nsymbol table\nfooter")
		b := []byte("header\nsymbol tab1e\nfooter")
		v := Compare("vendored", "module", a, b)
		require.NotNil(t, v)
		require.Len(t, v.Divergences, 1)
		d := v.Divergences[0]
		assert.Equal(t, 2, d.Line)
		assert.Equal(t, len("header\n"), d.OffsetA)
		assert.Equal(t, "symbol table", d.TextA)
		assert.Equal(t, "symbol tab1e", d.TextB)
	})

	t.Run("length mismatch reported against empty lines", func(t *testing.T) {
		v := Compare("a", "b", []byte("x"), []byte("x\nextra"))
		require.NotNil(t, v)
		require.Len(t, v.Divergences, 1)
		assert.Equal(t, 2, v.Divergences[0].Line)
		assert.Equal(t, "extra", v.Divergences[0].TextB)
	})

	t.Run("diff payload is capped", func(t *testing.T) {
		var a, b []byte
		for i := 0; i < 100; i++ {
			a = append(a, []byte("left\n")...)
			b = append(b, []byte("right\n")...)
		}
		v := Compare("a", "b", a, b)
		require.NotNil(t, v)
		assert.Len(t, v.Divergences, maxDivergences)
		assert.True(t, v.Truncated)
	})
}

func TestVerify(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("build commands assume a POSIX shell")
	}
	ctx := context.Background()

	// The fake "build" writes the configuration-dependent temp path into
	// the artifact; the path is declared ignorable, so only CONTENT leaks
	// should trip the verifier.
	newSpec := func(t *testing.T, leak bool) BuildSpec {
		t.Helper()
		dir := t.TempDir()
		artifact := filepath.Join(dir, "toolchain.txt")
		cmd := `printf 'payload\nbuilt-under %s from path %s\n' "$FORGE_RESOLUTION" "$PWD" > ` + artifact
		if !leak {
			cmd = `printf 'payload\nfrom path %s\n' "$PWD" > ` + artifact
		}
		return BuildSpec{
			Command:      cmd,
			ArtifactPath: artifact,
			Dir:          dir,
			Ignore:       []*regexp.Regexp{regexp.MustCompile(`from path \S+`)},
		}
	}

	vendored := Config{Name: "vendored", Env: map[string]string{"FORGE_RESOLUTION": "vendored"}}
	module := Config{Name: "module", Env: map[string]string{"FORGE_RESOLUTION": "module"}}

	t.Run("ignorable-only differences pass", func(t *testing.T) {
		err := NewVerifier(nil).Verify(ctx, newSpec(t, false), vendored, module)
		assert.NoError(t, err)
	})

	t.Run("content leak is a determinism violation with a diff", func(t *testing.T) {
		err := NewVerifier(nil).Verify(ctx, newSpec(t, true), vendored, module)
		require.Error(t, err)
		assert.True(t, failure.Is(err, failure.ClassDeterminism))

		var viol *ViolationError
		require.True(t, errors.As(err, &viol))
		require.NotEmpty(t, viol.Violation.Divergences)
		assert.Equal(t, "vendored", viol.Violation.ConfigA)
		assert.Contains(t, viol.Violation.Divergences[0].TextA, "vendored")
		assert.Contains(t, viol.Violation.Divergences[0].TextB, "module")
	})

	t.Run("failing build is a build failure, comparison never runs", func(t *testing.T) {
		spec := newSpec(t, false)
		spec.Command = "exit 7"
		err := NewVerifier(nil).Verify(ctx, spec, vendored, module)
		require.Error(t, err)
		assert.True(t, failure.Is(err, failure.ClassBuild))
	})

	t.Run("missing artifact is a build failure", func(t *testing.T) {
		spec := newSpec(t, false)
		spec.ArtifactPath = filepath.Join(t.TempDir(), "never-written")
		spec.Command = "true"
		err := NewVerifier(nil).Verify(ctx, spec, vendored, module)
		require.Error(t, err)
		assert.True(t, failure.Is(err, failure.ClassBuild))
	})
}

func TestViolationString(t *testing.T) {
	v := &Violation{
		ConfigA: "a", ConfigB: "b", SizeA: 10, SizeB: 12,
		Divergences: []Divergence{{Line: 3, OffsetA: 8, OffsetB: 8, TextA: "x", TextB: "y"}},
	}
	s := v.String()
	assert.Contains(t, s, "line 3")
	assert.Contains(t, s, "- x")
	assert.Contains(t, s, "+ y")
}
