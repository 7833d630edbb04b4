package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewProjectID returns an opaque 8-hex-char nonce.
func NewProjectID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewWorkerID returns the stable index-based id for a worker slot.
func NewWorkerID(index int) string {
	return fmt.Sprintf("worker-%d", index)
}

// FormatTaskID renders a monotonic task counter as "t-000123".
func FormatTaskID(n int64) string {
	return fmt.Sprintf("t-%06d", n)
}

// AgentBranchPrefix is the branch namespace the scheduler creates task
// branches under: "<agent-prefix>/<task-id>".
const AgentBranchPrefix = "agent"

// BranchName returns the branch name a task's worktree is created on.
func BranchName(taskID string) string {
	return fmt.Sprintf("%s/%s", AgentBranchPrefix, taskID)
}
