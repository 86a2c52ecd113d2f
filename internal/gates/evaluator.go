package gates

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"launchline/internal/domain"
	"launchline/internal/events"
	"launchline/internal/repo"
)

// Evaluation is the result of evaluating a project's gates.
type Evaluation struct {
	ProjectID      string               `json:"project_id"`
	PreviousStatus domain.ProjectStatus `json:"previous_status"`
	NewStatus      domain.ProjectStatus `json:"new_status"`
	Changed        bool                 `json:"changed"`
	Gates          []GateResult         `json:"gates"`
}

// Evaluator recomputes and persists the cached project status.
type Evaluator struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	Logger *slog.Logger
}

func (e Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Evaluator) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Preview derives the status without persisting anything.
func (e Evaluator) Preview(ctx context.Context, projectID string) (Evaluation, error) {
	project, status, results, err := e.derive(ctx, projectID)
	if err != nil {
		return Evaluation{}, err
	}
	return Evaluation{
		ProjectID:      projectID,
		PreviousStatus: project.Status,
		NewStatus:      status,
		Changed:        status != project.Status,
		Gates:          results,
	}, nil
}

// Evaluate derives the project status from its gates and stores it when it
// differs from the cached value. Repeated calls without intervening changes
// write nothing.
func (e Evaluator) Evaluate(ctx context.Context, projectID string) (Evaluation, error) {
	project, status, results, err := e.derive(ctx, projectID)
	if err != nil {
		return Evaluation{}, err
	}
	ev := Evaluation{
		ProjectID:      projectID,
		PreviousStatus: project.Status,
		NewStatus:      status,
		Gates:          results,
	}
	if status == project.Status {
		return ev, nil
	}

	tx, err := e.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return ev, err
	}
	defer tx.Rollback()
	changed, err := e.Repo.UpdateProjectStatus(ctx, tx, projectID, project.Status, status, repo.Timestamp(e.now()))
	if err != nil {
		return ev, fmt.Errorf("update project status: %w", err)
	}
	if !changed {
		// Another evaluation moved the status first; it derived from the same or newer state.
		current, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return ev, err
		}
		ev.NewStatus = current.Status
		return ev, nil
	}
	if err := e.Events.Append(ctx, tx, events.ProjectStatusChanged, projectID, "project", projectID, events.SystemActor, events.EventPayload{
		"from": string(project.Status),
		"to":   string(status),
	}); err != nil {
		return ev, err
	}
	if err := tx.Commit(); err != nil {
		return ev, err
	}
	ev.Changed = true
	e.logger().Info("project status changed", "project_id", projectID, "from", project.Status, "to", status)
	return ev, nil
}

func (e Evaluator) derive(ctx context.Context, projectID string) (domain.Project, domain.ProjectStatus, []GateResult, error) {
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return project, "", nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	instances, err := e.Repo.ListInstances(ctx, projectID)
	if err != nil {
		return project, "", nil, err
	}
	gates, err := e.Repo.ListGates(ctx)
	if err != nil {
		return project, "", nil, err
	}
	status, results := Derive(gates, instances)
	return project, status, results, nil
}
