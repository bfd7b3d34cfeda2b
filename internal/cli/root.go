// Package cli implements the cda command tree.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Version is reported by --version and the /health endpoints.
var Version = "13.3.0"

// NewRootCommand builds the full command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "cda",
		Short: "Cognitive Decision Architecture: two-phase attested authorization",
		Long: `cda separates deciding from doing.

The Kernel checks an intent against policy and signs a short-lived
decision manifest. The Gate verifies that manifest and applies its effect
exactly once, recording the execution atomically with the state change.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newKernelCommand(),
		newGateCommand(),
		newKeygenCommand(),
		newAuthorizeCommand(),
		newInspectCommand(),
		newExecuteCommand(),
		newHealthCommand(),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput returns the contents of path, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// tokenArg takes the token from args[0], or from stdin when it is "-" or
// missing.
func tokenArg(cmd *cobra.Command, args []string) (string, error) {
	src := "-"
	if len(args) > 0 {
		src = args[0]
	}
	if src != "-" {
		return strings.TrimSpace(src), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("no token given")
	}
	return tok, nil
}
