// Package commands implements the bosun CLI.
package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	apperrors "github.com/bosun-dev/bosun/internal/common/errors"
)

// Exit codes.
const (
	ExitOK         = 0
	ExitLoadError  = 1
	ExitExecError  = 2
	ExitValidation = 3
)

// exitError pins a specific exit code to an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func loadError(err error) error       { return &exitError{code: ExitLoadError, err: err} }
func executionError(err error) error  { return &exitError{code: ExitExecError, err: err} }
func validationError(err error) error { return &exitError{code: ExitValidation, err: err} }

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bosun",
	Short: "bosun - autonomous software-engineering agent orchestrator",
	Long: `bosun decomposes high-level instructions into tickets, assigns them to
worker agents running in isolated workspaces, enforces lint/test quality
gates, and merges results through a git branching discipline with human
approval gates.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	err := rootCmd.Execute()
	if err == nil {
		return ExitOK
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return classify(err)
}

func classify(err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case apperrors.ErrCodeValidationError, apperrors.ErrCodeBadRequest, apperrors.ErrCodeInvalidGitURL:
			return ExitValidation
		default:
			return ExitExecError
		}
	}
	return ExitExecError
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory containing config.yaml")
}
