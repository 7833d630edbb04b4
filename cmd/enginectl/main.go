// Package main is enginectl, a small operator CLI for inspecting and
// nudging the engine over its REST API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var baseURL string

	rootCmd := &cobra.Command{
		Use:   "enginectl",
		Short: "Inspect and control the agent orchestration engine",
		Long: `enginectl talks to a running engine over its REST API.

Examples:
  enginectl projects                 # list projects
  enginectl tasks <project-id>       # list a project's tasks
  enginectl workers                  # show worker slots
  enginectl events                   # tail dispatcher events
  enginectl retry <project-id> <task-id>
  enginectl cancel <project-id> <task-id>
  enginectl merge <project-id> <task-id> --squash`,
	}
	rootCmd.PersistentFlags().StringVar(&baseURL, "url",
		envOr("ENGINE_URL", "http://localhost:8420"), "engine base URL")

	client := &apiClient{baseURL: &baseURL}
	rootCmd.AddCommand(projectsCmd(client))
	rootCmd.AddCommand(tasksCmd(client))
	rootCmd.AddCommand(workersCmd(client))
	rootCmd.AddCommand(eventsCmd(client))
	rootCmd.AddCommand(retryCmd(client))
	rootCmd.AddCommand(cancelCmd(client))
	rootCmd.AddCommand(mergeCmd(client))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
