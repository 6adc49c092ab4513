// Command sandout runs commands in sandboxes and prints their captured
// output, either locally or through a sandout server.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"

	serverURL  string
	apiKey     string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "sandout",
	Short: "Run commands in sandboxes and capture their output",
	Long: `sandout runs a command in an isolated sandbox and prints its standard
output once the program has finished.

  sandout run -- python3 -c 'print(1)'          Run locally (process runtime)
  sandout run --runtime docker -- ls /          Run locally in a container
  sandout exec -- echo hello                    Run through a sandout server
  sandout get exec_...                          Show a stored execution
  sandout cancel exec_...                       Stop a running execution
  sandout list --status failed                  List stored executions`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("SANDOUT_SERVER", "http://localhost:8080"), "sandout server URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDOUT_API_KEY"), "API key for the server")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print the full execution record as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// exitError ends the process with code without printing anything further.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
