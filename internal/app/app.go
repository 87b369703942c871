// Package app wires the Task Store, Workspace Manager, Process Executor,
// Scheduler, Broadcast Hub and Control Surface into a single runnable
// daemon, grounded on dronerd/baseserver.BaseServer's aggregate-and-New
// shape and thecybersailor-shellman's application.go run/shutdown split.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskforge/taskforge/internal/api"
	"github.com/taskforge/taskforge/internal/conf"
	"github.com/taskforge/taskforge/internal/executor"
	"github.com/taskforge/taskforge/internal/hub"
	"github.com/taskforge/taskforge/internal/scheduler"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/workspace"
)

type App struct {
	Config     conf.Config
	Logger     *slog.Logger
	Store      *store.Store
	Workspaces *workspace.Manager
	Hub        *hub.Hub
	Executor   *executor.Executor
	Scheduler  *scheduler.Scheduler
	server     *api.Server
	httpSrv    *http.Server
}

// New assembles every component but starts nothing. The caller decides
// when to Run.
func New(cfg conf.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	workspaces := workspace.NewManager(cfg.BaseRepo, cfg.WorktreesDir)
	ex := executor.New(workspaces, cfg.LogDir, executor.DefaultAgentCommand(cfg.AgentBinary), logger)
	h := hub.New()
	sched := scheduler.New(s, ex, h, cfg.PollInterval, cfg.MaxConcurrent, logger)
	server := api.NewServer(s, h, ex, cfg.APICredential, logger)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Store:      s,
		Workspaces: workspaces,
		Hub:        h,
		Executor:   ex,
		Scheduler:  sched,
		server:     server,
		httpSrv: &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: server.Router(),
		},
	}, nil
}

// Run recovers any IN_PROGRESS tasks left over from a previous crash
// (spec §3.3 invariant 6), prunes git's records of worktrees whose
// directories are gone, then starts the scheduler loop and HTTP server. It blocks
// until ctx is cancelled or the HTTP server fails.
func (a *App) Run(ctx context.Context) error {
	n, err := a.Store.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover in-progress tasks: %w", err)
	}
	if n > 0 {
		a.Logger.Warn("recovered in-progress tasks to pending after restart", slog.Int("count", n))
	}

	if err := a.Workspaces.Prune(); err != nil {
		a.Logger.Warn("failed to prune stale worktrees on boot", slog.String("error", err.Error()))
	}

	go a.Scheduler.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("listening", slog.String("addr", a.Config.ListenAddr))
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting new HTTP requests and closes the store. It
// does not wait for in-flight agent processes; those finish on their
// own and persist their terminal state independently.
func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		a.Logger.Error("http server shutdown error", slog.String("error", err.Error()))
	}
	return a.Store.Close()
}
