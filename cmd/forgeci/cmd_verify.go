package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"forgeci/internal/config"
	"forgeci/internal/determinism"
	"forgeci/internal/failure"
)

var (
	verifyStep    string
	verifyParams  []string
	verifyWorkDir string
)

// verifyCmd runs a single determinism step in isolation.
var verifyCmd = &cobra.Command{
	Use:   "verify [pipeline.yaml]",
	Short: "Run one determinism step and print the diff on violation",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func init() {
	verifyCmd.Flags().StringVarP(&verifyStep, "step", "s", "", "step reference as job/step (required)")
	verifyCmd.Flags().StringArrayVarP(&verifyParams, "param", "p", nil, "parameter override key=value (repeatable)")
	verifyCmd.Flags().StringVar(&verifyWorkDir, "workdir", "", "working directory for build commands")
	_ = verifyCmd.MarkFlagRequired("step")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	params, err := parseParamFlags(verifyParams)
	if err != nil {
		return err
	}
	p, err := config.Load(args[0], params)
	if err != nil {
		return err
	}
	_, step, err := findStep(p, verifyStep)
	if err != nil {
		return err
	}
	if step.Determinism == nil {
		return failure.New(failure.ClassConfig, "step %q is not a determinism step", verifyStep)
	}
	d := step.Determinism

	ignore := make([]*regexp.Regexp, 0, len(d.Ignore))
	for _, pattern := range d.Ignore {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return failure.Wrap(failure.ClassConfig, err, "ignore pattern %q", pattern)
		}
		ignore = append(ignore, re)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spec := determinism.BuildSpec{
		Command:      d.Build,
		ArtifactPath: d.Artifact,
		Dir:          verifyWorkDir,
		Timeout:      time.Duration(step.TimeoutSec) * time.Second,
		Ignore:       ignore,
	}
	a := determinism.Config{Name: d.Configs[0].Name, Env: d.Configs[0].Env}
	b := determinism.Config{Name: d.Configs[1].Name, Env: d.Configs[1].Env}

	err = determinism.NewVerifier(logger).Verify(ctx, spec, a, b)
	if err == nil {
		fmt.Printf("artifact %s reproducible under %q and %q\n", d.Artifact, a.Name, b.Name)
		return nil
	}

	var viol *determinism.ViolationError
	if errors.As(err, &viol) {
		fmt.Println(viol.Violation.String())
	}
	return err
}
