package store

import (
	"os"

	"agentengine/internal/errs"
	"agentengine/internal/model"
)

// ListProjects returns every registered project.
func (s *Store) ListProjects() ([]*model.Project, error) {
	var out []*model.Project
	err := withFileLock(s.registryPath(), func() error {
		reg, err := s.loadRegistryLocked()
		if err != nil {
			return err
		}
		out = reg.Projects
		return nil
	})
	return out, err
}

// GetProject returns the project with the given id, or a NotFound error.
func (s *Store) GetProject(pid string) (*model.Project, error) {
	var out *model.Project
	err := withFileLock(s.registryPath(), func() error {
		reg, err := s.loadRegistryLocked()
		if err != nil {
			return err
		}
		for _, p := range reg.Projects {
			if p.ID == pid {
				out = p
				return nil
			}
		}
		return errs.New(errs.KindNotFound, "project "+pid+" not found")
	})
	return out, err
}

// CreateProject assigns an id and appends a new project to the registry.
// Invariant: RepoURL is nil iff Origin is local or new.
func (s *Store) CreateProject(spec model.ProjectCreate) (*model.Project, error) {
	var created *model.Project
	err := withFileLock(s.registryPath(), func() error {
		reg, err := s.loadRegistryLocked()
		if err != nil {
			return err
		}

		p := &model.Project{
			ID:        model.NewProjectID(),
			Name:      spec.Name,
			Origin:    spec.SourceType,
			Branch:    spec.Branch,
			AutoMerge: spec.AutoMerge,
			AutoPush:  spec.AutoPush,
			Status:    model.ProjectCloning,
			CreatedAt: s.clock.Now(),
		}
		if p.Branch == "" {
			p.Branch = "main"
		}
		switch spec.SourceType {
		case model.OriginGit:
			url := spec.RepoURL
			p.RepoURL = &url
		case model.OriginLocal:
			path := spec.LocalPath
			p.LocalPath = &path
		case model.OriginNew:
			// repo_url and local_path stay nil
		default:
			return errs.New(errs.KindConflict, "unknown source_type "+string(spec.SourceType))
		}

		reg.Projects = append(reg.Projects, p)
		if err := s.saveRegistryLocked(reg); err != nil {
			return err
		}
		created = p
		return nil
	})
	return created, err
}

// UpdateProject applies patch fields to the project and persists the result.
func (s *Store) UpdateProject(pid string, patch model.ProjectPatch) (*model.Project, error) {
	var out *model.Project
	err := withFileLock(s.registryPath(), func() error {
		reg, err := s.loadRegistryLocked()
		if err != nil {
			return err
		}
		for _, p := range reg.Projects {
			if p.ID != pid {
				continue
			}
			if patch.Status != nil {
				p.Status = *patch.Status
			}
			if patch.Error != nil {
				p.Error = *patch.Error
			}
			if patch.AutoMerge != nil {
				p.AutoMerge = *patch.AutoMerge
			}
			if patch.AutoPush != nil {
				p.AutoPush = *patch.AutoPush
			}
			out = p
			return s.saveRegistryLocked(reg)
		}
		return errs.New(errs.KindNotFound, "project "+pid+" not found")
	})
	return out, err
}

// DeleteProject removes the project's registry entry, its directory tree,
// and cascades deletion of its tasks file.
func (s *Store) DeleteProject(pid string) error {
	return withFileLock(s.registryPath(), func() error {
		reg, err := s.loadRegistryLocked()
		if err != nil {
			return err
		}
		found := false
		kept := reg.Projects[:0]
		for _, p := range reg.Projects {
			if p.ID == pid {
				found = true
				continue
			}
			kept = append(kept, p)
		}
		if !found {
			return errs.New(errs.KindNotFound, "project "+pid+" not found")
		}
		reg.Projects = kept
		if err := s.saveRegistryLocked(reg); err != nil {
			return err
		}
		if err := os.RemoveAll(s.projectDir(pid)); err != nil {
			return errs.Wrap(errs.KindGit, "remove project directory", err)
		}
		return nil
	})
}
