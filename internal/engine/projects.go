package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"launchline/internal/catalog"
	"launchline/internal/directory"
	"launchline/internal/domain"
	"launchline/internal/events"
	"launchline/internal/gates"
	"launchline/internal/repo"
	"launchline/internal/taskapi"
	"launchline/internal/tasksync"
)

// ChecklistAssignment requests one template for a project.
type ChecklistAssignment struct {
	TemplateID string `json:"template_id"`
	ExecutorID string `json:"executor_id,omitempty"`
	OwnerID    string `json:"owner_id,omitempty"`
	DueDate    string `json:"due_date,omitempty"`
}

type CreateProjectInput struct {
	Name              string
	Code              string
	DecisionJSON      string
	ExternalProjectID string
	Checklists        []ChecklistAssignment
	ActorID           string
}

type CreateProjectResult struct {
	Project   domain.Project             `json:"project"`
	Instances []domain.ChecklistInstance `json:"instances"`
	Sync      *tasksync.Tally            `json:"sync,omitempty"`
	Gates     gates.Evaluation           `json:"gates"`
	Warnings  []string                   `json:"warnings"`
}

// plannedInstance is an assignment that passed validation.
type plannedInstance struct {
	assignment ChecklistAssignment
	template   domain.ChecklistTemplate
}

// CreateProject validates the request, stores the project and its instances
// in one transaction, then best-effort syncs remote tasks and evaluates
// gates. Problems after commit become warnings.
func (e Engine) CreateProject(ctx context.Context, in CreateProjectInput) (CreateProjectResult, error) {
	var res CreateProjectResult
	in.Name = strings.TrimSpace(in.Name)
	in.Code = strings.TrimSpace(in.Code)
	if in.Name == "" {
		return res, invalid("name", "is required")
	}
	if in.Code == "" {
		return res, invalid("code", "is required")
	}
	if in.DecisionJSON != "" && !json.Valid([]byte(in.DecisionJSON)) {
		return res, invalid("decision", "must be valid JSON")
	}
	if _, err := e.Repo.GetProjectByCode(ctx, in.Code); err == nil {
		return res, fmt.Errorf("project code %s: %w", in.Code, repo.ErrConflict)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return res, err
	}

	seen := map[string]bool{}
	planned := make([]plannedInstance, 0, len(in.Checklists))
	for _, a := range in.Checklists {
		if seen[a.TemplateID] {
			return res, invalid("checklists", "template %s requested twice", a.TemplateID)
		}
		seen[a.TemplateID] = true
		p, warnings, err := e.planAssignment(ctx, a)
		if err != nil {
			return res, err
		}
		res.Warnings = append(res.Warnings, warnings...)
		planned = append(planned, p)
	}

	now := e.timestamp()
	project := domain.Project{
		ID:           uuid.NewString(),
		Name:         in.Name,
		Code:         in.Code,
		Status:       domain.ProjectInDevelopment,
		DecisionJSON: in.DecisionJSON,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.ExternalProjectID != "" {
		ext := in.ExternalProjectID
		project.ExternalProjectID = &ext
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, project); err != nil {
		return res, err
	}
	if err := e.Events.Append(ctx, tx, events.ProjectCreated, project.ID, "project", project.ID, in.ActorID, events.EventPayload{
		"code":       project.Code,
		"checklists": len(planned),
	}); err != nil {
		return res, err
	}
	for _, p := range planned {
		ci := newInstance(project.ID, p, now)
		if err := e.Repo.InsertInstance(ctx, tx, ci); err != nil {
			return res, err
		}
		if err := e.Events.Append(ctx, tx, events.ChecklistAssigned, project.ID, "checklist_instance", ci.ID, in.ActorID, events.EventPayload{
			"template_id":      ci.TemplateID,
			"template_version": ci.TemplateVersion,
		}); err != nil {
			return res, err
		}
		res.Instances = append(res.Instances, ci)
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.Project = project
	e.logger().Info("project created", "project_id", project.ID, "code", project.Code, "checklists", len(planned))

	omitted, err := e.omittedRequired(ctx, seen)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("could not check required checklists: %v", err))
	}
	for _, id := range omitted {
		res.Warnings = append(res.Warnings, fmt.Sprintf("required checklist %s not assigned; the project cannot pass its gates without it", id))
	}

	if len(res.Instances) > 0 {
		switch {
		case !e.Sync.Enabled():
			res.Warnings = append(res.Warnings, "task api not configured; remote tasks were not created")
		default:
			tally, err := e.Sync.CreateTasksForProject(ctx, project.ID)
			if err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("remote task sync failed: %v", err))
			} else {
				res.Sync = &tally
				if tally.Failed > 0 {
					res.Warnings = append(res.Warnings, fmt.Sprintf("%d of %d remote tasks failed to sync; run a sync retry", tally.Failed, len(tally.Results)))
				}
			}
		}
	}

	res.Gates, err = e.Gates.Evaluate(ctx, project.ID)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("gate evaluation failed: %v", err))
	} else {
		res.Project.Status = res.Gates.NewStatus
	}
	return res, nil
}

// planAssignment checks the template and executor of one assignment.
func (e Engine) planAssignment(ctx context.Context, a ChecklistAssignment) (plannedInstance, []string, error) {
	var warnings []string
	a.TemplateID = strings.TrimSpace(a.TemplateID)
	if a.TemplateID == "" {
		return plannedInstance{}, nil, invalid("template_id", "is required")
	}
	tpl, err := e.Catalog.Template(ctx, a.TemplateID)
	if err != nil {
		return plannedInstance{}, nil, err
	}
	if !tpl.Active {
		return plannedInstance{}, nil, invalid("template_id", "template %s is not active", a.TemplateID)
	}
	if a.DueDate != "" {
		if _, err := time.Parse("2006-01-02", a.DueDate); err != nil {
			return plannedInstance{}, nil, invalid("due_date", "%q is not a YYYY-MM-DD date", a.DueDate)
		}
	}
	if a.ExecutorID != "" {
		u, err := e.Directory.RequireExecutor(ctx, a.ExecutorID)
		if err != nil {
			var capErr directory.CapabilityError
			if errors.As(err, &capErr) {
				return plannedInstance{}, nil, invalid("executor_id", "%s", capErr.Error())
			}
			return plannedInstance{}, nil, err
		}
		if u.ExternalID == nil || strings.TrimSpace(*u.ExternalID) == "" {
			warnings = append(warnings, fmt.Sprintf("executor %s has no task tracker account; the %s task will be unassigned", u.ID, tpl.Name))
		}
	}
	return plannedInstance{assignment: a, template: tpl}, warnings, nil
}

func newInstance(projectID string, p plannedInstance, now string) domain.ChecklistInstance {
	ci := domain.ChecklistInstance{
		ID:              uuid.NewString(),
		ProjectID:       projectID,
		TemplateID:      p.template.ID,
		TemplateVersion: p.template.Version,
		Status:          domain.ChecklistPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if p.assignment.ExecutorID != "" {
		v := p.assignment.ExecutorID
		ci.ExecutorID = &v
	}
	if p.assignment.OwnerID != "" {
		v := p.assignment.OwnerID
		ci.OwnerID = &v
	}
	if p.assignment.DueDate != "" {
		v := p.assignment.DueDate
		ci.DueDate = &v
	}
	return ci
}

func (e Engine) omittedRequired(ctx context.Context, assigned map[string]bool) ([]string, error) {
	gs, err := e.Catalog.Gates(ctx)
	if err != nil {
		return nil, err
	}
	var omitted []string
	for _, id := range catalog.GloballyRequired(gs) {
		if !assigned[id] {
			omitted = append(omitted, id)
		}
	}
	return omitted, nil
}

type DeleteProjectResult struct {
	ProjectID     string   `json:"project_id"`
	RemoteDeleted int      `json:"remote_deleted"`
	RemoteFailed  int      `json:"remote_failed"`
	Warnings      []string `json:"warnings"`
}

// DeleteProject removes a project with its instances and sync records. With
// deleteRemote the remote tasks are deleted first, best effort.
func (e Engine) DeleteProject(ctx context.Context, projectID string, deleteRemote bool, actorID string) (DeleteProjectResult, error) {
	res := DeleteProjectResult{ProjectID: projectID}
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return res, fmt.Errorf("project %s: %w", projectID, err)
	}
	if deleteRemote {
		deleted, failed, err := e.Sync.DeleteRemoteTasks(ctx, projectID)
		switch {
		case errors.Is(err, taskapi.ErrNotConfigured):
			res.Warnings = append(res.Warnings, "task api not configured; remote tasks were kept")
		case err != nil:
			res.Warnings = append(res.Warnings, fmt.Sprintf("remote task deletion failed: %v", err))
		}
		res.RemoteDeleted, res.RemoteFailed = deleted, failed
		if failed > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%d remote tasks could not be deleted", failed))
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteProject(ctx, tx, projectID); err != nil {
		return res, err
	}
	if err := e.Events.Append(ctx, tx, events.ProjectDeleted, projectID, "project", projectID, actorID, events.EventPayload{
		"code":          project.Code,
		"delete_remote": deleteRemote,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.logger().Info("project deleted", "project_id", projectID, "code", project.Code)
	return res, nil
}

// Overview is a project with its instances, sync state and gates.
type Overview struct {
	Project     domain.Project             `json:"project"`
	Instances   []domain.ChecklistInstance `json:"instances"`
	SyncRecords []domain.SyncRecord        `json:"sync_records"`
	SyncCounts  map[domain.SyncStatus]int  `json:"sync_counts"`
	Gates       gates.Evaluation           `json:"gates"`
}

// ProjectOverview resolves a project by id or code.
func (e Engine) ProjectOverview(ctx context.Context, ref string) (Overview, error) {
	var ov Overview
	project, err := e.ResolveProject(ctx, ref)
	if err != nil {
		return ov, err
	}
	ov.Project = project
	if ov.Instances, err = e.Repo.ListInstances(ctx, project.ID); err != nil {
		return ov, err
	}
	if ov.SyncRecords, err = e.Repo.ListSyncRecords(ctx, project.ID); err != nil {
		return ov, err
	}
	if ov.SyncCounts, err = e.Repo.CountSyncRecords(ctx, project.ID); err != nil {
		return ov, err
	}
	if ov.Gates, err = e.Gates.Preview(ctx, project.ID); err != nil {
		return ov, err
	}
	return ov, nil
}

// ResolveProject looks a project up by id, then by code.
func (e Engine) ResolveProject(ctx context.Context, ref string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, ref)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return p, err
	}
	p, err = e.Repo.GetProjectByCode(ctx, ref)
	if err != nil {
		return p, fmt.Errorf("project %s: %w", ref, err)
	}
	return p, nil
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}
