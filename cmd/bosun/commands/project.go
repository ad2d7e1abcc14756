package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bosun-dev/bosun/internal/project"
)

var (
	projectBaseBranch  string
	projectAgentBranch string
	projectWorkDir     string
	projectSkipURL     bool
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage the project registry",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(context.Background())
		if err != nil {
			return err
		}
		defer a.close()

		projects, err := a.projects.List()
		if err != nil {
			return executionError(err)
		}
		if len(projects) == 0 {
			fmt.Println("no projects registered")
			return nil
		}
		for _, p := range projects {
			fmt.Printf("%s  %-20s %s (base: %s, agent: %s)\n",
				p.ID, p.Name, p.GitURL, p.BaseBranch, p.AgentBranch)
		}
		return nil
	},
}

var projectAddCmd = &cobra.Command{
	Use:   "add <name> <gitUrl>",
	Short: "Register a project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(context.Background())
		if err != nil {
			return err
		}
		defer a.close()

		p, err := a.projects.AddProject(args[0], args[1], project.AddOptions{
			BaseBranch:           projectBaseBranch,
			AgentBranch:          projectAgentBranch,
			WorkDir:              projectWorkDir,
			SkipGitURLValidation: projectSkipURL,
		})
		if err != nil {
			return validationError(err)
		}
		fmt.Printf("project %s registered as %s\n", p.Name, p.ID)
		return nil
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <idOrName>",
	Short: "Show one project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(context.Background())
		if err != nil {
			return err
		}
		defer a.close()

		p, err := a.projects.Get(args[0])
		if err != nil {
			p, err = a.projects.GetByName(args[0])
		}
		if err != nil {
			return executionError(err)
		}
		out, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return executionError(err)
		}
		fmt.Println(string(out))
		return nil
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a project from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(context.Background())
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.projects.Remove(args[0]); err != nil {
			return executionError(err)
		}
		fmt.Printf("project %s removed\n", args[0])
		return nil
	},
}

func init() {
	projectAddCmd.Flags().StringVar(&projectBaseBranch, "base-branch", "", "base branch (default main)")
	projectAddCmd.Flags().StringVar(&projectAgentBranch, "agent-branch", "", "agent integration branch (default agent/<id>)")
	projectAddCmd.Flags().StringVar(&projectWorkDir, "workdir", "", "checkout directory override")
	projectAddCmd.Flags().BoolVar(&projectSkipURL, "skip-url-validation", false, "accept non-standard git URLs")

	projectCmd.AddCommand(projectListCmd, projectAddCmd, projectShowCmd, projectRemoveCmd)
	rootCmd.AddCommand(projectCmd)
}
