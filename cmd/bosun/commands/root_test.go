package commands

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/bosun-dev/bosun/internal/common/errors"
)

func TestExecuteHelp(t *testing.T) {
	rootCmd.SetArgs([]string{"--help"})
	assert.Equal(t, ExitOK, Execute())
}

func TestExecuteUnknownCommand(t *testing.T) {
	rootCmd.SetArgs([]string{"frobnicate"})
	assert.NotEqual(t, ExitOK, Execute())
}

func TestHireNotBundled(t *testing.T) {
	for _, stage := range []string{"jd", "interview", "trial", "score", "register", "full"} {
		rootCmd.SetArgs([]string{"hire", stage})
		assert.Equal(t, ExitExecError, Execute(), stage)
	}
}

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"load error", loadError(errors.New("missing config")), ExitLoadError},
		{"execution error", executionError(errors.New("boom")), ExitExecError},
		{"validation error", validationError(errors.New("bad input")), ExitValidation},
		{"app validation error", apperrors.ValidationError("field", "bad"), ExitValidation},
		{"app invalid git url", apperrors.InvalidGitURL("nope"), ExitValidation},
		{"app not found", apperrors.NotFound("run", "x"), ExitExecError},
		{"plain error", errors.New("boom"), ExitExecError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}
