package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// apiClient is a thin JSON client over the engine's REST surface.
type apiClient struct {
	baseURL *string
}

func (c *apiClient) get(path string, out interface{}) error {
	resp, err := http.Get(*c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) post(path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(*c.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, payload.Error)
	}
	return fmt.Errorf("engine returned %s", resp.Status)
}

// statusColor maps task and project statuses to terminal colors.
func statusColor(status string) *color.Color {
	switch status {
	case "completed", "ready", "idle":
		return color.New(color.FgGreen)
	case "failed", "error":
		return color.New(color.FgRed)
	case "merge_pending", "plan_pending", "cloning":
		return color.New(color.FgYellow)
	case "running", "merging", "testing", "busy":
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgWhite)
	}
}

func projectsCmd(c *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Projects []struct {
					ID        string `json:"id"`
					Name      string `json:"name"`
					Status    string `json:"status"`
					Branch    string `json:"branch"`
					AutoMerge bool   `json:"auto_merge"`
					Error     string `json:"error"`
				} `json:"projects"`
			}
			if err := c.get("/api/projects", &out); err != nil {
				return err
			}
			for _, p := range out.Projects {
				fmt.Printf("%s  %-20s %-8s auto_merge=%v  %s\n",
					p.ID, p.Name, statusColor(p.Status).Sprint(p.Status), p.AutoMerge, p.Error)
			}
			return nil
		},
	}
}

func tasksCmd(c *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <project-id>",
		Short: "List a project's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Tasks []struct {
					ID       string `json:"id"`
					Title    string `json:"title"`
					Status   string `json:"status"`
					Priority int    `json:"priority"`
					WorkerID string `json:"worker_id"`
					Error    string `json:"error"`
				} `json:"tasks"`
			}
			if err := c.get("/api/projects/"+args[0]+"/tasks", &out); err != nil {
				return err
			}
			for _, t := range out.Tasks {
				line := fmt.Sprintf("%s  p%-2d %-13s %-40s", t.ID, t.Priority,
					statusColor(t.Status).Sprint(t.Status), truncate(t.Title, 40))
				if t.WorkerID != "" {
					line += "  " + t.WorkerID
				}
				if t.Error != "" {
					line += "  " + color.New(color.FgRed).Sprint(truncate(t.Error, 60))
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func workersCmd(c *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "Show worker slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Workers []struct {
					ID               string `json:"id"`
					Status           string `json:"status"`
					CurrentTaskID    string `json:"current_task_id"`
					CurrentTaskTitle string `json:"current_task_title"`
					CompletionCount  int    `json:"completion_count"`
				} `json:"workers"`
			}
			if err := c.get("/api/workers", &out); err != nil {
				return err
			}
			for _, w := range out.Workers {
				line := fmt.Sprintf("%-10s %-8s done=%d", w.ID,
					statusColor(w.Status).Sprint(w.Status), w.CompletionCount)
				if w.CurrentTaskID != "" {
					line += fmt.Sprintf("  %s (%s)", w.CurrentTaskID, truncate(w.CurrentTaskTitle, 40))
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func eventsCmd(c *apiClient) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent dispatcher events",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Events []struct {
					Timestamp time.Time `json:"timestamp"`
					Source    string    `json:"source"`
					Message   string    `json:"message"`
				} `json:"events"`
			}
			if err := c.get(fmt.Sprintf("/api/dispatcher/events?limit=%d", limit), &out); err != nil {
				return err
			}
			for _, e := range out.Events {
				fmt.Printf("%s  %-10s %s\n", e.Timestamp.Format("15:04:05"), e.Source, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of events")
	return cmd
}

func retryCmd(c *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <project-id> <task-id>",
		Short: "Reset a failed, cancelled, or merge_pending task to pending",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.post("/api/projects/"+args[0]+"/tasks/"+args[1]+"/retry", struct{}{}); err != nil {
				return err
			}
			fmt.Println(color.New(color.FgGreen).Sprint("retried"), args[1])
			return nil
		},
	}
}

func cancelCmd(c *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <project-id> <task-id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.post("/api/projects/"+args[0]+"/tasks/"+args[1]+"/cancel", struct{}{}); err != nil {
				return err
			}
			fmt.Println(color.New(color.FgYellow).Sprint("cancelled"), args[1])
			return nil
		},
	}
}

func mergeCmd(c *apiClient) *cobra.Command {
	var squash bool
	cmd := &cobra.Command{
		Use:   "merge <project-id> <task-id>",
		Short: "Merge a merge_pending task into the base branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]bool{"squash": squash}
			if err := c.post("/api/projects/"+args[0]+"/tasks/"+args[1]+"/merge", body); err != nil {
				return err
			}
			fmt.Println(color.New(color.FgGreen).Sprint("merged"), args[1])
			return nil
		},
	}
	cmd.Flags().BoolVar(&squash, "squash", false, "squash-merge the branch")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
