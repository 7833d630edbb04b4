// Package model defines the core data types shared by every engine
// component: Project, Task, Worker, DispatcherEvent, and PlanMessage.
package model

import "time"

// OriginKind tags how a project's repository was provisioned.
type OriginKind string

const (
	OriginGit   OriginKind = "git"   // cloned from a remote URL
	OriginLocal OriginKind = "local" // pointed at an existing local path
	OriginNew   OriginKind = "new"   // freshly initialized, empty repo
)

// ProjectStatus is a project's lifecycle state.
type ProjectStatus string

const (
	ProjectCloning ProjectStatus = "cloning"
	ProjectReady   ProjectStatus = "ready"
	ProjectError   ProjectStatus = "error"
)

// Project is a managed code repository.
type Project struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Origin    OriginKind    `json:"origin"`
	RepoURL   *string       `json:"repo_url,omitempty"`
	Branch    string        `json:"branch"`
	LocalPath *string       `json:"local_path,omitempty"`
	AutoMerge bool          `json:"auto_merge"`
	AutoPush  bool          `json:"auto_push"`
	Status    ProjectStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// ProjectCreate is the input to create a project.
type ProjectCreate struct {
	Name       string
	RepoURL    string
	Branch     string
	SourceType OriginKind
	LocalPath  string
	AutoMerge  bool
	AutoPush   bool
}

// ProjectPatch carries optional field updates for a project.
type ProjectPatch struct {
	Status    *ProjectStatus
	Error     *string
	AutoMerge *bool
	AutoPush  *bool
}

// IsReady reports whether the project can accept task claims.
func (p *Project) IsReady() bool { return p.Status == ProjectReady }
