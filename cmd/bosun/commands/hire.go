package commands

import (
	"github.com/spf13/cobra"

	apperrors "github.com/bosun-dev/bosun/internal/common/errors"
)

var hireCmd = &cobra.Command{
	Use:   "hire",
	Short: "Agent hiring pipeline (external subsystem)",
	Long: `The hiring pipeline (job descriptions, interviews, trials, scoring,
registration) runs as a separate subsystem and is not bundled with this
binary.`,
}

func notBundled(stage string) *cobra.Command {
	return &cobra.Command{
		Use:   stage,
		Short: "Hiring stage: " + stage,
		RunE: func(cmd *cobra.Command, args []string) error {
			return executionError(apperrors.ServiceUnavailable("hiring subsystem (stage: " + stage + ")"))
		},
	}
}

func init() {
	for _, stage := range []string{"jd", "interview", "trial", "score", "register", "full"} {
		hireCmd.AddCommand(notBundled(stage))
	}
	rootCmd.AddCommand(hireCmd)
}
