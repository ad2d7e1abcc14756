package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bosun-dev/bosun/internal/workflow"
	"github.com/bosun-dev/bosun/internal/workflow/models"
)

var (
	statusVerbose bool
	statusJSON    bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator status",
	RunE:  runStatus,
}

type statusReport struct {
	Dashboard workflow.DashboardStatus `json:"dashboard"`
	Workflows []*models.Workflow       `json:"workflows"`
	AI        *workflow.AIStatus       `json:"ai,omitempty"`
	Pending   int                      `json:"pendingApprovals"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	workflows, err := a.engine.ListWorkflows("")
	if err != nil {
		return executionError(err)
	}

	report := statusReport{
		Dashboard: a.engine.Dashboard(a.perf),
		Workflows: workflows,
		Pending:   len(a.engine.PendingApprovals()),
	}
	if statusVerbose {
		ai := a.engine.CheckAI(ctx)
		report.AI = &ai
	}

	if statusJSON {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return executionError(err)
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("workers: %d active, %d queued (paused: %v)\n",
		report.Dashboard.ActiveWorkers, report.Dashboard.QueueLength, report.Dashboard.Paused)
	if report.Dashboard.SuccessRate >= 0 {
		fmt.Printf("success rate: %.0f%%\n", report.Dashboard.SuccessRate*100)
	}
	fmt.Printf("pending approvals: %d\n", report.Pending)
	fmt.Printf("workflows: %d\n", len(report.Workflows))
	for _, wf := range report.Workflows {
		fmt.Printf("  %s  %-14s %s\n", wf.WorkflowID, wf.Phase, truncateLine(wf.Instruction, 60))
	}
	if report.AI != nil {
		fmt.Printf("llm available: %v (ollama running: %v)\n", report.AI.Available, report.AI.OllamaRunning)
		for _, agent := range report.AI.CodingAgents.Agents {
			fmt.Printf("  agent %-10s available: %v\n", agent.Name, agent.Available)
		}
	}
	return nil
}

func truncateLine(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func init() {
	statusCmd.Flags().BoolVar(&statusVerbose, "verbose", false, "include AI and coding-agent availability")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit machine-readable JSON")
	rootCmd.AddCommand(statusCmd)
}
