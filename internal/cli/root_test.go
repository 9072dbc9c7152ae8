package cli

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitError_ErrorIncludesCause(t *testing.T) {
	err := &ExitError{Code: ExitConfigError, Message: "bad config", Cause: errors.New("missing field")}
	assert.Equal(t, "bad config: missing field", err.Error())
}

func TestExitError_ErrorWithoutCause(t *testing.T) {
	err := &ExitError{Code: ExitInvalidWorkflow, Message: "validation failed"}
	assert.Equal(t, "validation failed", err.Error())
}

func TestExitError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &ExitError{Code: ExitExecutionFailed, Message: "wrap", Cause: cause}
	assert.ErrorIs(t, err, cause)
}

func TestNewRootCommand_HasVersionSubcommand(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-07-31")
	root := NewRootCommand()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	assert.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "1.2.3")
}
