package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"launchline/internal/catalog"
	"launchline/internal/config"
	"launchline/internal/directory"
	"launchline/internal/domain"
	"launchline/internal/events"
	"launchline/internal/gates"
	"launchline/internal/repo"
	"launchline/internal/taskapi"
	"launchline/internal/tasksync"
)

// ValidationError reports input that can never succeed as given.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Engine orchestrates project lifecycle operations across the catalog, the
// sync coordinator and the gate evaluator.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Catalog   catalog.Catalog
	Directory directory.Service
	Sync      tasksync.Coordinator
	Gates     gates.Evaluator
	Config    *config.Config
	Now       func() time.Time
	Logger    *slog.Logger
}

// New wires an engine around db. gw may be nil when no remote tracker is used.
func New(db *sql.DB, cfg *config.Config, gw taskapi.Gateway, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default(".")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := repo.Repo{DB: db}
	e := Engine{
		DB:     db,
		Repo:   r,
		Config: cfg,
		Logger: logger,
	}
	e.Sync = tasksync.Coordinator{
		Repo:    r,
		Gateway: gw,
		Fields: tasksync.Fields{
			ProjectID:           cfg.TaskAPI.Fields.ProjectID,
			ChecklistInstanceID: cfg.TaskAPI.Fields.ChecklistInstanceID,
		},
		Logger:   logger.With("component", "tasksync"),
		ClaimTTL: cfg.Sync.ClaimTTL(),
	}
	return e.WithClock(time.Now)
}

// WithClock returns a copy of e whose components all read time from now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events = events.Writer{DB: e.DB, Now: now}
	e.Catalog = catalog.Catalog{Repo: e.Repo, Now: now}
	e.Directory = directory.Service{Repo: e.Repo, Now: now}
	e.Sync.Repo = e.Repo
	e.Sync.Directory = e.Directory
	e.Sync.Events = e.Events
	e.Sync.Now = now
	e.Gates = gates.Evaluator{Repo: e.Repo, Events: e.Events, Now: now, Logger: e.logger().With("component", "gates")}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) timestamp() string {
	return repo.Timestamp(e.now())
}

// RecalculateGates re-derives and stores a project's status.
func (e Engine) RecalculateGates(ctx context.Context, projectID string) (gates.Evaluation, error) {
	return e.Gates.Evaluate(ctx, projectID)
}

// GateStatus derives a project's gates without persisting.
func (e Engine) GateStatus(ctx context.Context, projectID string) (gates.Evaluation, error) {
	return e.Gates.Preview(ctx, projectID)
}

// SyncProject creates remote tasks for every unsynced instance of a project.
func (e Engine) SyncProject(ctx context.Context, projectID string) (tasksync.Tally, error) {
	return e.Sync.CreateTasksForProject(ctx, projectID)
}

// RetrySync recreates the remote tasks of failed sync records.
func (e Engine) RetrySync(ctx context.Context, projectID string) (tasksync.RetryTally, error) {
	return e.Sync.RetryFailedTasks(ctx, projectID)
}

// TaskSyncResult is the outcome of a manual remote status pull.
type TaskSyncResult struct {
	tasksync.StatusResult
	Gates gates.Evaluation `json:"gates"`
}

// SyncTask pulls one remote task's state and re-evaluates the owning project.
func (e Engine) SyncTask(ctx context.Context, remoteTaskID string) (TaskSyncResult, error) {
	res, err := e.Sync.SyncTaskStatus(ctx, remoteTaskID)
	if err != nil {
		return TaskSyncResult{}, err
	}
	ev, err := e.Gates.Evaluate(ctx, res.Instance.ProjectID)
	if err != nil {
		return TaskSyncResult{StatusResult: res}, err
	}
	return TaskSyncResult{StatusResult: res, Gates: ev}, nil
}

// SyncRecords lists a project's sync records.
func (e Engine) SyncRecords(ctx context.Context, projectID string) ([]domain.SyncRecord, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	return e.Repo.ListSyncRecords(ctx, projectID)
}

// ProjectEvents returns a project's newest events.
func (e Engine) ProjectEvents(ctx context.Context, projectID string, limit int) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, projectID, limit)
}

// Ping checks connectivity and credentials of the remote tracker.
func (e Engine) Ping(ctx context.Context) (taskapi.Identity, error) {
	if !e.Sync.Enabled() {
		return taskapi.Identity{}, taskapi.ErrNotConfigured
	}
	return e.Sync.Gateway.Me(ctx)
}
