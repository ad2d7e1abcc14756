package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bosun-dev/bosun/internal/common/config"
	"github.com/bosun-dev/bosun/internal/workerpool"
	"github.com/bosun-dev/bosun/internal/workflow"
	"github.com/bosun-dev/bosun/internal/workflow/models"
)

var (
	executeAdapter   string
	executeWorkers   int
	executeDecompose bool
)

var executeCmd = &cobra.Command{
	Use:   "execute <ticketId>",
	Short: "Execute a single ticket through the worker pool",
	Long: `Execute runs one persisted ticket in an isolated workspace: a task branch
is created from the project's agent branch, the coding agent (or LLM chat
loop) mutates the workspace, changes are committed and the quality gates run.

With --decompose the ticket's workflow is driven through the full phase
machine instead, blocking on approval gates.`,
	Args: cobra.ExactArgs(1),
	RunE: runExecute,
}

func runExecute(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, func(cfg *config.Config) {
		if executeWorkers > 0 {
			cfg.Workers.MaxWorkers = executeWorkers
		}
	})
	if err != nil {
		return err
	}
	defer a.close()

	ticketID := args[0]
	repo := workflow.NewRepository(a.store)
	ticket, err := repo.GetTicket(ticketID)
	if err != nil {
		return loadError(err)
	}
	wf, err := repo.GetWorkflow(ticket.WorkflowID)
	if err != nil {
		return loadError(err)
	}
	proj, err := a.projects.Get(wf.ProjectID)
	if err != nil {
		return loadError(err)
	}

	if executeDecompose {
		return driveWorkflow(ctx, a, wf)
	}

	result, err := a.pool.Submit(ctx, &workerpool.TaskRequest{
		RunID:       fmt.Sprintf("cli-%s-%d", ticket.ID, time.Now().Unix()),
		Ticket:      ticket,
		Project:     proj,
		AdapterName: executeAdapter,
	})
	if err != nil {
		return executionError(err)
	}

	printResult(result)
	if result.Status != workerpool.StatusSuccess && result.Status != workerpool.StatusPartial {
		return executionError(fmt.Errorf("ticket %s finished with status %s", ticket.ID, result.Status))
	}
	return nil
}

// driveWorkflow restarts the ticket's workflow and blocks until it reaches a
// terminal phase. Approval gates stay pending until decided over the API.
func driveWorkflow(ctx context.Context, a *app, wf *models.Workflow) error {
	runID, err := a.engine.StartWorkflow(wf)
	if err != nil {
		return executionError(err)
	}
	fmt.Printf("run %s started for workflow %s\n", runID, wf.WorkflowID)

	repo := workflow.NewRepository(a.store)
	for {
		select {
		case <-ctx.Done():
			return executionError(a.engine.CancelRun(runID))
		case <-time.After(500 * time.Millisecond):
		}
		current, err := repo.GetWorkflow(wf.WorkflowID)
		if err != nil {
			return executionError(err)
		}
		if current.Phase.IsTerminal() {
			fmt.Printf("workflow %s finished: %s\n", wf.WorkflowID, current.Phase)
			if current.Phase == models.PhaseFailed {
				return executionError(fmt.Errorf("workflow failed"))
			}
			return nil
		}
	}
}

func printResult(result *workerpool.ExecutionResult) {
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to render result:", err)
		return
	}
	fmt.Println(string(out))
}

func init() {
	executeCmd.Flags().StringVar(&executeAdapter, "adapter", "", "coding-agent adapter to use (opencode, claude, kiro)")
	executeCmd.Flags().IntVar(&executeWorkers, "workers", 0, "override worker pool size")
	executeCmd.Flags().BoolVar(&executeDecompose, "decompose", false, "drive the ticket's workflow through the full phase machine")
	rootCmd.AddCommand(executeCmd)
}
