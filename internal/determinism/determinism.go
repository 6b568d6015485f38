// Package determinism verifies that two alternate build configurations
// produce byte-identical artifacts. It guards against builds whose output
// depends on incidental environment state (dependency-resolution strategy,
// absolute paths, host clock) rather than only on build inputs.
//
// Build execution and artifact comparison are separate, independently
// testable units: Normalize and Compare are pure functions over bytes.
package determinism

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"forgeci/internal/executor"
	"forgeci/internal/failure"
)

// Placeholder replaces every ignorable-region match before comparison.
const Placeholder = "<normalized>"

// Artifact is a build output plus the regions expected to vary harmlessly
// across configurations (generated file-path tokens and similar).
type Artifact struct {
	Data   []byte
	Ignore []*regexp.Regexp
}

// Normalize returns a copy of the artifact bytes with every ignorable
// region replaced by the shared placeholder token.
func (a Artifact) Normalize() []byte {
	out := a.Data
	for _, re := range a.Ignore {
		out = re.ReplaceAll(out, []byte(Placeholder))
	}
	return out
}

// Divergence is one region where the normalized artifacts differ.
type Divergence struct {
	Line    int    `json:"line"`    // 1-based line number
	OffsetA int    `json:"offsetA"` // byte offset of the line in artifact A
	OffsetB int    `json:"offsetB"`
	TextA   string `json:"textA"`
	TextB   string `json:"textB"`
}

// Violation is the structured diff carried by a determinism failure.
type Violation struct {
	ConfigA     string       `json:"configA"`
	ConfigB     string       `json:"configB"`
	SizeA       int          `json:"sizeA"`
	SizeB       int          `json:"sizeB"`
	Divergences []Divergence `json:"divergences"`
	Truncated   bool         `json:"truncated"`
}

func (v *Violation) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d divergent line(s) between %q (%d bytes) and %q (%d bytes)",
		len(v.Divergences), v.ConfigA, v.SizeA, v.ConfigB, v.SizeB)
	for _, d := range v.Divergences {
		fmt.Fprintf(&b, "\n  line %d (offsets %d/%d):\n    - %s\n    + %s",
			d.Line, d.OffsetA, d.OffsetB, d.TextA, d.TextB)
	}
	if v.Truncated {
		b.WriteString("\n  ... diff truncated")
	}
	return b.String()
}

// maxDivergences caps the diff payload; the first handful of divergent
// lines is what gets read, the rest is noise.
const maxDivergences = 20

// Compare diffs two normalized byte sequences line by line. A nil result
// means the artifacts are identical.
func Compare(nameA, nameB string, a, b []byte) *Violation {
	if bytes.Equal(a, b) {
		return nil
	}
	v := &Violation{ConfigA: nameA, ConfigB: nameB, SizeA: len(a), SizeB: len(b)}

	linesA := strings.Split(string(a), "\n")
	linesB := strings.Split(string(b), "\n")
	offA, offB := 0, 0
	for i := 0; i < len(linesA) || i < len(linesB); i++ {
		var la, lb string
		if i < len(linesA) {
			la = linesA[i]
		}
		if i < len(linesB) {
			lb = linesB[i]
		}
		if la != lb {
			if len(v.Divergences) >= maxDivergences {
				v.Truncated = true
				break
			}
			v.Divergences = append(v.Divergences, Divergence{
				Line:    i + 1,
				OffsetA: offA,
				OffsetB: offB,
				TextA:   la,
				TextB:   lb,
			})
		}
		offA += len(la) + 1
		offB += len(lb) + 1
	}
	return v
}

// Config is one environment configuration for a build run.
type Config struct {
	Name string
	Env  map[string]string
}

// BuildSpec describes the build under verification: the command, the
// artifact it produces, and the regions allowed to vary.
type BuildSpec struct {
	Command      string
	ArtifactPath string
	Dir          string
	Timeout      time.Duration
	Ignore       []*regexp.Regexp
}

// Verifier runs one build under two configurations and diffs the
// normalized outputs.
type Verifier struct {
	logger *zap.Logger
}

// NewVerifier creates a Verifier. A nil logger is replaced by zap.NewNop.
func NewVerifier(logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{logger: logger}
}

// Verify executes spec.Command once per configuration, captures the
// declared artifact after each run, normalizes both, and compares.
// Each underlying build must itself succeed before comparison is
// attempted; a nonzero build exit is a build failure, not a determinism
// violation.
func (v *Verifier) Verify(ctx context.Context, spec BuildSpec, a, b Config) error {
	artifactA, err := v.buildOnce(ctx, spec, a)
	if err != nil {
		return err
	}
	artifactB, err := v.buildOnce(ctx, spec, b)
	if err != nil {
		return err
	}

	viol := Compare(a.Name, b.Name, artifactA.Normalize(), artifactB.Normalize())
	if viol == nil {
		v.logger.Info("determinism check passed",
			zap.String("artifact", spec.ArtifactPath),
			zap.String("config_a", a.Name),
			zap.String("config_b", b.Name))
		return nil
	}
	v.logger.Error("determinism violation",
		zap.String("artifact", spec.ArtifactPath),
		zap.Int("divergences", len(viol.Divergences)))
	return failure.Wrap(failure.ClassDeterminism, &ViolationError{Violation: viol},
		"artifact %s is not reproducible", spec.ArtifactPath)
}

// buildOnce runs the build under one configuration and reads the artifact.
func (v *Verifier) buildOnce(ctx context.Context, spec BuildSpec, cfg Config) (Artifact, error) {
	v.logger.Info("building for determinism check",
		zap.String("config", cfg.Name),
		zap.String("command", spec.Command))

	action := executor.ShellAction{Command: spec.Command, Dir: spec.Dir, Timeout: spec.Timeout}
	res, err := action.Execute(ctx, cfg.Env)
	if err != nil {
		return Artifact{}, failure.Wrap(failure.ClassBuild, err, "build under config %q", cfg.Name)
	}
	if res.ExitCode != 0 {
		v.logger.Error("build failed under configuration",
			zap.String("config", cfg.Name),
			zap.Int("exit_code", res.ExitCode))
		return Artifact{}, failure.New(failure.ClassBuild,
			"build under config %q exited %d: %s", cfg.Name, res.ExitCode, tail(res.Output, 2048))
	}

	data, err := os.ReadFile(spec.ArtifactPath)
	if err != nil {
		return Artifact{}, failure.Wrap(failure.ClassBuild, err, "read artifact after config %q", cfg.Name)
	}
	return Artifact{Data: data, Ignore: spec.Ignore}, nil
}

// ViolationError carries the structured diff. It travels wrapped inside a
// determinism-class failure.Error; retrieve it with errors.As for the
// diagnostic payload.
type ViolationError struct {
	Violation *Violation
}

func (e *ViolationError) Error() string {
	return e.Violation.String()
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return "..." + string(b[len(b)-n:])
}
