package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bosun-dev/bosun/internal/quality"
)

var judgeWaiverID string

var judgeCmd = &cobra.Command{
	Use:   "judge <runId>",
	Short: "Judge a run's quality gates, applying waivers",
	Long: `Judge loads the run's quality result and evaluates it against the active
waivers: a failed gate covered by an applicable, unexpired waiver does not
block the verdict. Exits 0 on pass, 2 on fail.`,
	Args: cobra.ExactArgs(1),
	RunE: runJudge,
}

func runJudge(cmd *cobra.Command, args []string) error {
	a, err := newApp(context.Background())
	if err != nil {
		return err
	}
	defer a.close()

	runID := args[0]
	run, err := a.runs.Get(runID)
	if err != nil {
		return loadError(err)
	}
	var result quality.Result
	if err := run.LoadQuality(&result); err != nil {
		return loadError(err)
	}

	var waivers []*quality.Waiver
	if judgeWaiverID != "" {
		w, err := a.waivers.Get(judgeWaiverID)
		if err != nil {
			return loadError(err)
		}
		waivers = []*quality.Waiver{w}
	} else {
		waivers, err = a.waivers.List()
		if err != nil {
			return loadError(err)
		}
	}

	verdict := quality.Judge(runID, &result, waivers)
	if verdict.Passed {
		fmt.Printf("run %s: PASS\n", runID)
	} else {
		fmt.Printf("run %s: FAIL\n", runID)
	}
	for _, gate := range verdict.WaivedGates {
		fmt.Printf("  waived: %s\n", gate)
	}
	for _, reason := range verdict.Reasons {
		fmt.Printf("  %s\n", reason)
	}
	if !verdict.Passed {
		return executionError(fmt.Errorf("quality gates failed for run %s", runID))
	}
	return nil
}

func init() {
	judgeCmd.Flags().StringVar(&judgeWaiverID, "waiver", "", "apply a single waiver by id")
	rootCmd.AddCommand(judgeCmd)
}
