package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"project list untouched", "/api/projects", "/api/projects"},
		{"project id collapsed", "/api/projects/a1b2c3d4", "/api/projects/{pid}"},
		{"task action", "/api/projects/a1b2c3d4/tasks/t-000123/cancel", "/api/projects/{pid}/tasks/{tid}/cancel"},
		{"task list", "/api/projects/a1b2c3d4/tasks", "/api/projects/{pid}/tasks"},
		{"commit sha", "/api/projects/a1b2c3d4/git/commit/deadbeef123", "/api/projects/{pid}/git/commit/{sha}"},
		{"git log", "/api/projects/a1b2c3d4/git/log", "/api/projects/{pid}/git/log"},
		{"plan endpoint", "/api/projects/a1b2c3d4/plan/generate", "/api/projects/{pid}/plan/generate"},
		{"worker restart", "/api/workers/worker-0/restart", "/api/workers/{wid}/restart"},
		{"internal callback", "/api/internal/tasks/a1b2c3d4/t-000123/status", "/api/internal/tasks/{pid}/{tid}/status"},
		{"stats", "/api/projects/a1b2c3d4/stats", "/api/projects/{pid}/stats"},
		{"health untouched", "/health", "/health"},
		{"dispatcher events untouched", "/api/dispatcher/events", "/api/dispatcher/events"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.path))
		})
	}
}
