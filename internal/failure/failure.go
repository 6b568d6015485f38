// Package failure defines the error taxonomy shared across the pipeline.
// Every fatal condition is tagged with a Class so the scheduler can decide
// propagation (abort job + block dependents vs. record and continue) and the
// CLI can map the outcome to a distinguishing process exit code.
package failure

import (
	"errors"
	"fmt"
)

// Class categorizes a pipeline error.
type Class string

const (
	ClassSetup       Class = "setup"       // provisioning/config load failed, fatal to the job
	ClassBuild       Class = "build"       // a build step exited nonzero, fatal to the job
	ClassTest        Class = "test"        // one or more test results failed, recorded in the report
	ClassDeterminism Class = "determinism" // normalized artifact mismatch, fatal to the verifying job
	ClassPartition   Class = "partition"   // shard weight skew, advisory only
	ClassCycle       Class = "cycle"       // dependency graph is not a DAG, fatal before any job starts
	ClassConfig      Class = "config"      // structural config problem, fatal before any job starts
)

// Error is an error tagged with a Class. It wraps an optional cause.
type Error struct {
	Class Class
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error.
func New(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around a cause. Returns nil if cause is nil.
func Wrap(class Class, cause error, format string, args ...any) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Class: class, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// ClassOf extracts the Class from an error chain. Unclassified errors
// default to ClassSetup, which is the conservative fatal bucket.
func ClassOf(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ClassSetup
}

// Is reports whether err carries the given class anywhere in its chain.
func Is(err error, class Class) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Class == class
}

// Process exit codes. Test failures get 1 so plain "did anything fail"
// callers see the conventional code; structural problems share the setup
// code because both abort before useful work happens.
const (
	ExitOK          = 0
	ExitTestFailure = 1
	ExitBuild       = 2
	ExitDeterminism = 3
	ExitSetup       = 4
)

// ExitCode maps an error to the process exit code for the run.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch ClassOf(err) {
	case ClassTest:
		return ExitTestFailure
	case ClassBuild:
		return ExitBuild
	case ClassDeterminism:
		return ExitDeterminism
	default:
		return ExitSetup
	}
}
