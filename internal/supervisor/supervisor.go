// Package supervisor owns process-wide startup and shutdown: data-directory
// migration and repair, stale-task recovery, and the ordered lifecycle of
// the gateway HTTP server and the scheduler loop.
package supervisor

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"agentengine/internal/config"
	"agentengine/internal/eventbus"
	"agentengine/internal/gitmgr"
	"agentengine/internal/model"
	"agentengine/internal/scheduler"
	"agentengine/internal/store"
)

// agentInstructionsFile is injected into each repo's git exclude so the
// per-repo agent instructions never get committed.
const agentInstructionsFile = "AGENT.md"

// Supervisor coordinates startup and graceful shutdown.
type Supervisor struct {
	cfg   *config.Config
	store *store.Store
	git   gitmgr.Git
	bus   eventbus.Bus
	sched *scheduler.Scheduler
	api   http.Handler
	clock model.Clock

	// ShutdownTimeout bounds the drain of in-flight HTTP requests.
	ShutdownTimeout time.Duration
}

// New wires a Supervisor over already-constructed components.
func New(cfg *config.Config, st *store.Store, git gitmgr.Git, bus eventbus.Bus,
	sched *scheduler.Scheduler, api http.Handler, clock model.Clock) *Supervisor {
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &Supervisor{
		cfg:             cfg,
		store:           st,
		git:             git,
		bus:             bus,
		sched:           sched,
		api:             api,
		clock:           clock,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Run executes the startup sequence and blocks until a signal or a fatal
// server error.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return err
	}
	if err := s.migrateLegacyLayout(); err != nil {
		log.Printf("[supervisor.migrate] error=%v", err)
	}
	s.repairProjects(ctx)

	srv := &http.Server{
		Addr:         ":" + s.cfg.WebPort,
		Handler:      s.api,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming endpoints hold connections open
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	log.Printf("[supervisor.start] listening port=%s data_dir=%s", s.cfg.WebPort, s.cfg.DataDir)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// The gateway is up; recover tasks orphaned by a previous crash before
	// the scheduler starts claiming.
	s.recoverStale(ctx)

	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()
	go s.sched.Start(schedCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[supervisor.shutdown] signal=%s", sig)
	case err := <-serverErr:
		log.Printf("[supervisor.shutdown] server error=%v", err)
	case <-ctx.Done():
	}

	// Ordered shutdown: scheduler (stops containers with grace) first,
	// then the HTTP server, then the bus.
	s.sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[supervisor.shutdown] http drain error=%v", err)
	}
	s.bus.Close()
	log.Printf("[supervisor.stopped]")
	return nil
}

// migrateLegacyLayout lifts a pre-multi-project data directory (a bare
// tasks.json at the root) into a "default" project.
func (s *Supervisor) migrateLegacyLayout() error {
	legacyTasks := filepath.Join(s.cfg.DataDir, "tasks.json")
	if _, err := os.Stat(legacyTasks); err != nil {
		return nil
	}
	if projects, err := s.store.ListProjects(); err == nil && len(projects) > 0 {
		return nil // registry already exists; leave the stray file alone
	}

	log.Printf("[supervisor.migrate] legacy single-project layout detected")
	project, err := s.store.CreateProject(model.ProjectCreate{
		Name:       "default",
		SourceType: model.OriginLocal,
	})
	if err != nil {
		return err
	}

	projectDir := filepath.Join(s.cfg.DataDir, "projects", project.ID)
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return err
	}
	if err := os.Rename(legacyTasks, filepath.Join(projectDir, "tasks.json")); err != nil {
		return err
	}
	if legacyRepo := filepath.Join(s.cfg.DataDir, "repo"); dirExists(legacyRepo) {
		if err := os.Rename(legacyRepo, s.store.RepoDir(project.ID)); err != nil {
			return err
		}
	}

	ready := model.ProjectReady
	_, err = s.store.UpdateProject(project.ID, model.ProjectPatch{Status: &ready})
	return err
}

// repairProjects brings every known project's directory structure back to
// the expected shape and refreshes repos with a remote.
func (s *Supervisor) repairProjects(ctx context.Context) {
	projects, err := s.store.ListProjects()
	if err != nil {
		log.Printf("[supervisor.repair] list projects error=%v", err)
		return
	}
	for _, p := range projects {
		for _, dir := range []string{s.store.LogsDir(p.ID), s.store.WorktreesDir(p.ID)} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				log.Printf("[supervisor.repair] project=%s mkdir error=%v", p.ID, err)
			}
		}

		tasksPath := filepath.Join(s.cfg.DataDir, "projects", p.ID, "tasks.json")
		if _, err := os.Stat(tasksPath); os.IsNotExist(err) {
			if err := os.WriteFile(tasksPath, []byte(`{"tasks": []}`+"\n"), 0o644); err != nil {
				log.Printf("[supervisor.repair] project=%s init tasks.json error=%v", p.ID, err)
			}
		}

		repoDir := s.store.RepoDir(p.ID)
		if !dirExists(repoDir) {
			continue
		}
		if s.git.HasRemote(ctx, repoDir) {
			if err := s.git.Fetch(ctx, repoDir, "origin"); err != nil {
				log.Printf("[supervisor.repair] project=%s fetch error=%v", p.ID, err)
			}
		}
		if err := injectGitExclude(repoDir, agentInstructionsFile); err != nil {
			log.Printf("[supervisor.repair] project=%s exclude error=%v", p.ID, err)
		}
	}
}

// recoverStale returns orphaned active tasks to pending and reports them.
func (s *Supervisor) recoverStale(ctx context.Context) {
	live := s.sched.LiveWorkers(ctx)
	recovered, err := s.store.RecoverStale(live)
	if err != nil {
		log.Printf("[supervisor.recover] error=%v", err)
		return
	}
	for _, tid := range recovered {
		s.bus.Publish(eventbus.SystemTopic, model.DispatcherEvent{
			Timestamp: s.clock.Now(),
			Source:    "system",
			Message:   "recovered stale task " + tid,
		})
	}
	if len(recovered) > 0 {
		log.Printf("[supervisor.recover] recovered=%d tasks=%v", len(recovered), recovered)
	}
}

// injectGitExclude appends name to the repo's .git/info/exclude unless it is
// already listed.
func injectGitExclude(repoDir, name string) error {
	excludeDir := filepath.Join(repoDir, ".git", "info")
	if err := os.MkdirAll(excludeDir, 0o755); err != nil {
		return err
	}
	excludePath := filepath.Join(excludeDir, "exclude")

	existing, err := os.ReadFile(excludePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(existing), "\n") {
		if strings.TrimSpace(line) == name {
			return nil
		}
	}

	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	_, err = f.WriteString(name + "\n")
	return err
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
