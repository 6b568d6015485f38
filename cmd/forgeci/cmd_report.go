package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"forgeci/internal/failure"
	"forgeci/internal/report"
)

// reportCmd summarizes collected report artifacts.
var reportCmd = &cobra.Command{
	Use:   "report [out-dir]",
	Short: "Print a summary of collected report artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  printReports,
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

func printReports(cmd *cobra.Command, args []string) error {
	dir := filepath.Join(args[0], "reports")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read reports dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	anyFailed := false
	for _, name := range names {
		rep, err := report.Load(filepath.Join(dir, name))
		if err != nil {
			fmt.Printf("  %-24s unreadable: %v\n", name, err)
			continue
		}
		pass, fail, skip := rep.Counts()
		status := "ok"
		if rep.Failed {
			status = "FAILED"
			anyFailed = true
		}
		fmt.Printf("  %-24s %-7s pass=%d fail=%d skip=%d", rep.Job, status, pass, fail, skip)
		if rep.ExecError != "" {
			fmt.Printf("  exec: %s", rep.ExecError)
		}
		fmt.Println()
		for _, res := range rep.Results {
			if res.Status == report.StatusFail {
				fmt.Printf("      FAIL %s (%v)\n", res.ID, res.Duration)
			}
		}
	}
	if anyFailed {
		return failure.New(failure.ClassTest, "one or more jobs failed")
	}
	return nil
}
