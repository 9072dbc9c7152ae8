// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli wires relay's cobra root command and the exit-code
// convention every subcommand's RunE reports errors through.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes, mirroring sysexits.h where a direct mapping exists.
const (
	ExitSuccess         = 0
	ExitExecutionFailed = 1
	ExitInvalidWorkflow = 2
	ExitConfigError     = 3
	ExitCredentialError = 4
)

// ExitError is an error that carries the process exit code its RunE
// wants main to use.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Cause }

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion records build-time version info for the version command.
func SetVersion(v, c, d string) {
	version, commit, buildDate = v, c, d
}

// NewRootCommand builds the relay CLI's root command with no
// subcommands attached; callers add subcommands with AddCommand.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Declarative multi-agent workflow orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "relay %s (commit %s, built %s)\n", version, commit, buildDate)
			return nil
		},
	})
	return root
}

// HandleExitError reports err to stderr and exits the process with its
// ExitError code, or ExitExecutionFailed if err isn't one.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err.Error())

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	os.Exit(ExitExecutionFailed)
}
