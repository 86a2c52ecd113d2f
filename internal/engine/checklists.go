package engine

import (
	"context"
	"fmt"

	"launchline/internal/domain"
	"launchline/internal/events"
	"launchline/internal/gates"
	"launchline/internal/tasksync"
)

type AddChecklistResult struct {
	Instance domain.ChecklistInstance `json:"instance"`
	Sync     *tasksync.Result         `json:"sync,omitempty"`
	Gates    gates.Evaluation         `json:"gates"`
	Warnings []string                 `json:"warnings"`
}

// AddChecklist assigns one more template to an existing project, attempts
// its remote task and re-evaluates gates. Delivered projects accept no new
// checklists.
func (e Engine) AddChecklist(ctx context.Context, projectID string, a ChecklistAssignment, actorID string) (AddChecklistResult, error) {
	var res AddChecklistResult
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return res, fmt.Errorf("project %s: %w", projectID, err)
	}
	if project.Status.Terminal() {
		return res, invalid("project", "project %s is %s and accepts no new checklists", project.Code, project.Status)
	}
	p, warnings, err := e.planAssignment(ctx, a)
	if err != nil {
		return res, err
	}
	res.Warnings = append(res.Warnings, warnings...)

	now := e.timestamp()
	ci := newInstance(project.ID, p, now)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertInstance(ctx, tx, ci); err != nil {
		return res, err
	}
	if err := e.Events.Append(ctx, tx, events.ChecklistAssigned, project.ID, "checklist_instance", ci.ID, actorID, events.EventPayload{
		"template_id":      ci.TemplateID,
		"template_version": ci.TemplateVersion,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.Instance = ci

	if e.Sync.Enabled() {
		due := ""
		if ci.DueDate != nil {
			due = *ci.DueDate
		}
		r := e.Sync.CreateTaskForChecklist(ctx, ci, project, p.template, e.Sync.ExecutorExternalID(ctx, ci), due)
		res.Sync = &r
		switch {
		case r.OK():
			res.Instance.ExternalTaskID = &r.RemoteTaskID
		case r.Error != "":
			res.Warnings = append(res.Warnings, fmt.Sprintf("remote task for %s failed: %s; run a sync retry", p.template.Name, r.Error))
		}
	} else {
		res.Warnings = append(res.Warnings, "task api not configured; remote task was not created")
	}

	res.Gates, err = e.Gates.Evaluate(ctx, project.ID)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("gate evaluation failed: %v", err))
	}
	return res, nil
}

type ChecklistStatusResult struct {
	Instance       domain.ChecklistInstance `json:"instance"`
	PreviousStatus domain.ChecklistStatus   `json:"previous_status"`
	Changed        bool                     `json:"changed"`
	Detached       int                      `json:"detached_dependencies"`
	Gates          gates.Evaluation         `json:"gates"`
	Warnings       []string                 `json:"warnings"`
}

// SetChecklistStatus applies a local status change, mirrors it to the remote
// task best effort and re-evaluates gates. Skipping a checklist also removes
// its task from the dependency lists of dependent tasks.
func (e Engine) SetChecklistStatus(ctx context.Context, instanceID, status, actorID string) (ChecklistStatusResult, error) {
	var res ChecklistStatusResult
	target, err := domain.ParseChecklistStatus(status)
	if err != nil {
		return res, invalid("status", "%v", err)
	}
	ci, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return res, fmt.Errorf("checklist %s: %w", instanceID, err)
	}
	res.PreviousStatus = ci.Status
	res.Instance = ci
	if ci.Status != target {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return res, err
		}
		defer tx.Rollback()
		if err := e.Repo.SetInstanceStatus(ctx, tx, ci.ID, target, e.timestamp()); err != nil {
			return res, err
		}
		if err := e.Events.Append(ctx, tx, events.ChecklistStatusChanged, ci.ProjectID, "checklist_instance", ci.ID, actorID, events.EventPayload{
			"from": string(ci.Status),
			"to":   string(target),
		}); err != nil {
			return res, err
		}
		if err := tx.Commit(); err != nil {
			return res, err
		}
		res.Changed = true
		if res.Instance, err = e.Repo.GetInstance(ctx, ci.ID); err != nil {
			return res, err
		}
		if err := e.Sync.PushStatus(ctx, res.Instance); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("remote task not updated: %v", err))
		}
		if target == domain.ChecklistSkipped {
			res.Detached = e.Sync.DetachDependents(ctx, res.Instance)
		}
	}
	res.Gates, err = e.Gates.Evaluate(ctx, ci.ProjectID)
	if err != nil {
		return res, err
	}
	return res, nil
}
