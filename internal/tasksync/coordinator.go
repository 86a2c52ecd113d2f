package tasksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"launchline/internal/directory"
	"launchline/internal/domain"
	"launchline/internal/events"
	"launchline/internal/repo"
	"launchline/internal/taskapi"
)

// Placeholder remote ids of records that do not point at a remote task.
const (
	claimPrefix  = "pending-"
	failedPrefix = "failed-"
)

// Fields names the remote custom fields that carry local identifiers.
type Fields struct {
	ProjectID           string
	ChecklistInstanceID string
}

// Coordinator materializes checklist instances as remote tasks and folds
// remote task state back into local instances.
type Coordinator struct {
	Repo      repo.Repo
	Gateway   taskapi.Gateway
	Directory directory.Service
	Fields    Fields
	Events    events.Writer
	Now       func() time.Time
	Logger    *slog.Logger
	// ClaimTTL is how old a pending claim must be before retry reclaims it.
	ClaimTTL time.Duration
}

// Result is the outcome of one creation attempt.
type Result struct {
	InstanceID   string            `json:"instance_id"`
	RemoteTaskID string            `json:"remote_task_id,omitempty"`
	Status       domain.SyncStatus `json:"sync_status,omitempty"`
	Skipped      bool              `json:"skipped,omitempty"`
	Error        string            `json:"error,omitempty"`
}

func (r Result) OK() bool { return r.Status == domain.SyncSynced }

// Tally summarizes a batch of creation attempts.
type Tally struct {
	Created int      `json:"created"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
	Results []Result `json:"results"`
}

func (t *Tally) add(r Result) {
	switch {
	case r.Skipped:
		t.Skipped++
	case r.OK():
		t.Created++
	default:
		t.Failed++
	}
	t.Results = append(t.Results, r)
}

// RetryTally summarizes a retry pass.
type RetryTally struct {
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Results   []Result `json:"results"`
}

func (c Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Enabled reports whether remote calls can be made.
func (c Coordinator) Enabled() bool {
	return c.Gateway != nil && c.Gateway.Enabled()
}

// TaskName is the deterministic remote task name for an instance.
func TaskName(project domain.Project, template domain.ChecklistTemplate) string {
	return fmt.Sprintf("[%s] %s", project.Code, template.Name)
}

// TaskNotes renders the remote task description.
func TaskNotes(project domain.Project, template domain.ChecklistTemplate, instance domain.ChecklistInstance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s (%s)\n", project.Name, project.Code)
	fmt.Fprintf(&b, "Checklist: %s v%d\n", template.Name, instance.TemplateVersion)
	if len(template.Items) > 0 {
		b.WriteString("\n")
		for _, item := range template.Items {
			marker := ""
			if !item.Required {
				marker = " (optional)"
			}
			fmt.Fprintf(&b, "- [ ] %s%s\n", item.Title, marker)
		}
	}
	return b.String()
}

// CreateTaskForChecklist claims the instance's sync slot and creates its
// remote task. Failures are recorded as error sync records and reported in
// the result; they are never returned as errors.
func (c Coordinator) CreateTaskForChecklist(ctx context.Context, instance domain.ChecklistInstance, project domain.Project, template domain.ChecklistTemplate, executorExternalID, dueDate string) Result {
	res := Result{InstanceID: instance.ID}
	if !c.Enabled() {
		res.Error = taskapi.ErrNotConfigured.Error()
		return res
	}
	now := repo.Timestamp(c.now())
	claim := domain.SyncRecord{
		ID:                  uuid.NewString(),
		ChecklistInstanceID: instance.ID,
		ProjectID:           project.ID,
		RemoteTaskID:        claimPrefix + uuid.NewString(),
		Status:              domain.SyncPending,
		LastSyncedAt:        now,
		CreatedAt:           now,
	}
	won, err := c.Repo.ClaimSyncSlot(ctx, claim)
	if err != nil {
		res.Error = fmt.Sprintf("claim sync slot: %v", err)
		c.logger().Error("claim sync slot failed", "instance_id", instance.ID, "error", err)
		return res
	}
	if !won {
		res.Skipped = true
		return res
	}

	in := taskapi.CreateTaskInput{
		Name:         TaskName(project, template),
		Notes:        TaskNotes(project, template, instance),
		Assignee:     executorExternalID,
		DueOn:        dueDate,
		CustomFields: c.customFields(project.ID, instance.ID),
	}
	if project.ExternalProjectID != nil && *project.ExternalProjectID != "" {
		in.Projects = []string{*project.ExternalProjectID}
	}
	task, err := c.Gateway.CreateTask(ctx, in)
	if err != nil {
		return c.failClaim(ctx, claim, in, err)
	}

	snapshot := encodeSnapshot(task)
	container := ""
	if len(task.Projects) > 0 {
		container = task.Projects[0]
	} else if len(in.Projects) > 0 {
		container = in.Projects[0]
	}
	if err := c.recordCreated(ctx, claim, instance, task, container, snapshot); err != nil {
		c.logger().Error("persist created task failed", "instance_id", instance.ID, "remote_task_id", task.ID, "error", err)
		// Keep the remote id so a retry adopts the task instead of creating another.
		if err := c.Repo.ResolveSyncSlot(ctx, nil, claim.ID, task.ID, container, snapshot, domain.SyncError, repo.Timestamp(c.now())); err != nil {
			c.logger().Error("record orphaned remote task failed", "instance_id", instance.ID, "remote_task_id", task.ID, "error", err)
		}
		res.RemoteTaskID = task.ID
		res.Status = domain.SyncError
		res.Error = fmt.Sprintf("persist created task %s: %v", task.ID, err)
		return res
	}
	res.RemoteTaskID = task.ID
	res.Status = domain.SyncSynced
	c.logger().Info("remote task created", "instance_id", instance.ID, "remote_task_id", task.ID)

	instance.ExternalTaskID = &task.ID
	c.attachDependencies(ctx, instance, template)
	return res
}

func (c Coordinator) customFields(projectID, instanceID string) map[string]string {
	fields := map[string]string{}
	if c.Fields.ProjectID != "" {
		fields[c.Fields.ProjectID] = projectID
	}
	if c.Fields.ChecklistInstanceID != "" {
		fields[c.Fields.ChecklistInstanceID] = instanceID
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func (c Coordinator) recordCreated(ctx context.Context, claim domain.SyncRecord, instance domain.ChecklistInstance, task taskapi.Task, container, snapshot string) error {
	now := repo.Timestamp(c.now())
	tx, err := c.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Repo.ResolveSyncSlot(ctx, tx, claim.ID, task.ID, container, snapshot, domain.SyncSynced, now); err != nil {
		return err
	}
	if err := c.Repo.SetInstanceExternalTask(ctx, tx, instance.ID, &task.ID, now); err != nil {
		return err
	}
	if err := c.Events.Append(ctx, tx, events.SyncTaskCreated, claim.ProjectID, "checklist_instance", instance.ID, events.SystemActor, events.EventPayload{
		"remote_task_id": task.ID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (c Coordinator) failClaim(ctx context.Context, claim domain.SyncRecord, in taskapi.CreateTaskInput, cause error) Result {
	res := Result{InstanceID: claim.ChecklistInstanceID, Status: domain.SyncError, Error: cause.Error()}
	payload, _ := json.Marshal(map[string]any{
		"error":   cause.Error(),
		"request": in,
	})
	placeholder := failedPrefix + uuid.NewString()
	res.RemoteTaskID = placeholder
	now := repo.Timestamp(c.now())
	if err := c.Repo.ResolveSyncSlot(ctx, nil, claim.ID, placeholder, "", string(payload), domain.SyncError, now); err != nil {
		c.logger().Error("record sync failure failed", "instance_id", claim.ChecklistInstanceID, "error", err)
	}
	if err := c.Events.AppendDirect(ctx, events.SyncTaskFailed, claim.ProjectID, "checklist_instance", claim.ChecklistInstanceID, events.SystemActor, events.EventPayload{
		"error": cause.Error(),
	}); err != nil {
		c.logger().Error("append sync failure event failed", "error", err)
	}
	c.logger().Warn("remote task creation failed", "instance_id", claim.ChecklistInstanceID, "error", cause)
	return res
}

// attachDependencies links the new task to the tasks of templates it depends
// on, and links already-synced dependents to it. Best effort.
func (c Coordinator) attachDependencies(ctx context.Context, instance domain.ChecklistInstance, template domain.ChecklistTemplate) {
	if instance.ExternalTaskID == nil {
		return
	}
	taskID := *instance.ExternalTaskID
	if len(template.DependsOn) > 0 {
		deps, err := c.Repo.ListInstancesByTemplates(ctx, instance.ProjectID, template.DependsOn)
		if err != nil {
			c.logger().Warn("list dependency instances failed", "instance_id", instance.ID, "error", err)
		} else if ids := externalIDs(deps); len(ids) > 0 {
			c.Gateway.AddDependencies(ctx, taskID, ids)
		}
	}
	dependents, err := c.dependentInstances(ctx, instance)
	if err != nil {
		c.logger().Warn("list dependent instances failed", "instance_id", instance.ID, "error", err)
		return
	}
	for _, dep := range dependents {
		if dep.ExternalTaskID != nil {
			c.Gateway.AddDependencies(ctx, *dep.ExternalTaskID, []string{taskID})
		}
	}
}

// dependentInstances returns the project's instances whose template depends
// on instance's template.
func (c Coordinator) dependentInstances(ctx context.Context, instance domain.ChecklistInstance) ([]domain.ChecklistInstance, error) {
	templates, err := c.Repo.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, t := range templates {
		for _, dep := range t.DependsOn {
			if dep == instance.TemplateID {
				ids = append(ids, t.ID)
				break
			}
		}
	}
	return c.Repo.ListInstancesByTemplates(ctx, instance.ProjectID, ids)
}

func externalIDs(instances []domain.ChecklistInstance) []string {
	var ids []string
	for _, ci := range instances {
		if ci.ExternalTaskID != nil && *ci.ExternalTaskID != "" {
			ids = append(ids, *ci.ExternalTaskID)
		}
	}
	return ids
}

// CreateTasksForProject attempts one creation for every instance of the
// project that has no remote task yet.
func (c Coordinator) CreateTasksForProject(ctx context.Context, projectID string) (Tally, error) {
	var tally Tally
	project, err := c.Repo.GetProject(ctx, projectID)
	if err != nil {
		return tally, fmt.Errorf("project %s: %w", projectID, err)
	}
	if !c.Enabled() {
		return tally, taskapi.ErrNotConfigured
	}
	instances, err := c.Repo.ListInstancesWithoutTask(ctx, projectID)
	if err != nil {
		return tally, err
	}
	templates := map[string]domain.ChecklistTemplate{}
	for _, ci := range instances {
		tally.add(c.createForInstance(ctx, project, ci, templates))
	}
	return tally, nil
}

func (c Coordinator) createForInstance(ctx context.Context, project domain.Project, ci domain.ChecklistInstance, templates map[string]domain.ChecklistTemplate) Result {
	tpl, ok := templates[ci.TemplateID]
	if !ok {
		var err error
		tpl, err = c.Repo.GetTemplate(ctx, ci.TemplateID)
		if err != nil {
			return Result{InstanceID: ci.ID, Error: fmt.Sprintf("template %s: %v", ci.TemplateID, err)}
		}
		templates[ci.TemplateID] = tpl
	}
	due := ""
	if ci.DueDate != nil {
		due = *ci.DueDate
	}
	return c.CreateTaskForChecklist(ctx, ci, project, tpl, c.ExecutorExternalID(ctx, ci), due)
}

// ExecutorExternalID returns the remote user id of the instance's executor,
// or "" when there is none. Lookup failures are logged.
func (c Coordinator) ExecutorExternalID(ctx context.Context, ci domain.ChecklistInstance) string {
	if ci.ExecutorID == nil {
		return ""
	}
	ext, err := c.Directory.ExternalID(ctx, *ci.ExecutorID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		c.logger().Warn("executor lookup failed", "instance_id", ci.ID, "executor_id", *ci.ExecutorID, "error", err)
	}
	return ext
}

// RetryFailedTasks deletes every error record of the project, along with
// pending claims older than ClaimTTL, and recreates their remote tasks.
// Error records that still point at an existing remote task adopt it.
func (c Coordinator) RetryFailedTasks(ctx context.Context, projectID string) (RetryTally, error) {
	var tally RetryTally
	project, err := c.Repo.GetProject(ctx, projectID)
	if err != nil {
		return tally, fmt.Errorf("project %s: %w", projectID, err)
	}
	if !c.Enabled() {
		return tally, taskapi.ErrNotConfigured
	}
	ttl := c.ClaimTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	staleBefore := repo.Timestamp(c.now().Add(-ttl))
	records, err := c.Repo.ListRetryableSyncRecords(ctx, projectID, staleBefore)
	if err != nil {
		return tally, err
	}
	templates := map[string]domain.ChecklistTemplate{}
	for _, rec := range records {
		if r, ok := c.reconcile(ctx, rec, templates); ok {
			if r.OK() {
				tally.Succeeded++
			} else {
				tally.Failed++
			}
			tally.Results = append(tally.Results, r)
			continue
		}
		deleted, err := c.Repo.DeleteSyncRecord(ctx, rec.ID, rec.Status)
		if err != nil {
			return tally, fmt.Errorf("delete sync record %s: %w", rec.ID, err)
		}
		if !deleted {
			tally.Skipped++
			continue
		}
		ci, err := c.Repo.GetInstance(ctx, rec.ChecklistInstanceID)
		if err != nil {
			return tally, err
		}
		if ci.ExternalTaskID != nil {
			if err := c.Repo.SetInstanceExternalTask(ctx, nil, ci.ID, nil, repo.Timestamp(c.now())); err != nil {
				return tally, err
			}
			ci.ExternalTaskID = nil
		}
		r := c.createForInstance(ctx, project, ci, templates)
		switch {
		case r.Skipped:
			tally.Skipped++
		case r.OK():
			tally.Succeeded++
		default:
			tally.Failed++
		}
		tally.Results = append(tally.Results, r)
	}
	if len(records) > 0 {
		if err := c.Events.AppendDirect(ctx, events.SyncRecordsRetried, projectID, "project", projectID, events.SystemActor, events.EventPayload{
			"succeeded": tally.Succeeded,
			"failed":    tally.Failed,
		}); err != nil {
			c.logger().Error("append retry event failed", "error", err)
		}
	}
	return tally, nil
}

// reconcile adopts a remote task that was created but never recorded as
// synced. It reports false when the record holds no real remote id or the
// remote task no longer exists, leaving the record to be recreated.
func (c Coordinator) reconcile(ctx context.Context, rec domain.SyncRecord, templates map[string]domain.ChecklistTemplate) (Result, bool) {
	if strings.HasPrefix(rec.RemoteTaskID, claimPrefix) || strings.HasPrefix(rec.RemoteTaskID, failedPrefix) {
		return Result{}, false
	}
	res := Result{InstanceID: rec.ChecklistInstanceID, RemoteTaskID: rec.RemoteTaskID, Status: domain.SyncError}
	task, err := c.Gateway.GetTask(ctx, rec.RemoteTaskID)
	if err != nil {
		var apiErr *taskapi.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return Result{}, false
		}
		res.Error = err.Error()
		return res, true
	}
	ci, err := c.Repo.GetInstance(ctx, rec.ChecklistInstanceID)
	if err != nil {
		res.Error = err.Error()
		return res, true
	}
	container := rec.RemoteContainerID
	if len(task.Projects) > 0 {
		container = task.Projects[0]
	}
	if err := c.recordCreated(ctx, rec, ci, task, container, encodeSnapshot(task)); err != nil {
		res.Error = fmt.Sprintf("persist adopted task %s: %v", task.ID, err)
		return res, true
	}
	res.Status = domain.SyncSynced
	c.logger().Info("remote task adopted", "instance_id", ci.ID, "remote_task_id", task.ID)

	tpl, ok := templates[ci.TemplateID]
	if !ok {
		if tpl, err = c.Repo.GetTemplate(ctx, ci.TemplateID); err != nil {
			c.logger().Warn("template lookup failed", "template_id", ci.TemplateID, "error", err)
			return res, true
		}
		templates[ci.TemplateID] = tpl
	}
	ci.ExternalTaskID = &task.ID
	c.attachDependencies(ctx, ci, tpl)
	return res, true
}

// StatusResult is the outcome of folding remote state into an instance.
type StatusResult struct {
	Instance       domain.ChecklistInstance `json:"instance"`
	PreviousStatus domain.ChecklistStatus   `json:"previous_status"`
	Changed        bool                     `json:"changed"`
}

// SyncTaskStatus fetches a tracked remote task and applies its completion
// state locally.
func (c Coordinator) SyncTaskStatus(ctx context.Context, remoteTaskID string) (StatusResult, error) {
	rec, err := c.Repo.GetSyncRecordByRemoteID(ctx, remoteTaskID)
	if err != nil {
		return StatusResult{}, fmt.Errorf("sync record for task %s: %w", remoteTaskID, err)
	}
	if c.Gateway == nil {
		return StatusResult{}, taskapi.ErrNotConfigured
	}
	task, err := c.Gateway.GetTask(ctx, remoteTaskID)
	if err != nil {
		return StatusResult{}, err
	}
	return c.ApplyRemoteCompletion(ctx, rec, task.Completed, encodeSnapshot(task), events.SystemActor)
}

// ApplyRemoteCompletion maps remote completion onto the record's instance.
// Completed maps to completed and anything else to pending. The status is
// written only on an actual transition; the snapshot and timestamp are always
// refreshed.
func (c Coordinator) ApplyRemoteCompletion(ctx context.Context, rec domain.SyncRecord, completed bool, snapshot, actorID string) (StatusResult, error) {
	ci, err := c.Repo.GetInstance(ctx, rec.ChecklistInstanceID)
	if err != nil {
		return StatusResult{}, err
	}
	res := StatusResult{Instance: ci, PreviousStatus: ci.Status}
	target := domain.ChecklistPending
	if completed {
		target = domain.ChecklistCompleted
	}

	now := repo.Timestamp(c.now())
	tx, err := c.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if target != ci.Status {
		if err := c.Repo.SetInstanceStatus(ctx, tx, ci.ID, target, now); err != nil {
			return res, err
		}
		if err := c.Events.Append(ctx, tx, events.ChecklistStatusChanged, ci.ProjectID, "checklist_instance", ci.ID, actorID, events.EventPayload{
			"from":           string(ci.Status),
			"to":             string(target),
			"remote_task_id": rec.RemoteTaskID,
		}); err != nil {
			return res, err
		}
		res.Changed = true
	}
	if err := c.Repo.TouchSyncRecord(ctx, tx, rec.ID, snapshot, "", now); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	if res.Changed {
		res.Instance, err = c.Repo.GetInstance(ctx, ci.ID)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// MarkRemoteDeleted orphans the record after the remote task was deleted.
// Local completion is left alone.
func (c Coordinator) MarkRemoteDeleted(ctx context.Context, rec domain.SyncRecord, snapshot, actorID string) error {
	now := repo.Timestamp(c.now())
	tx, err := c.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Repo.TouchSyncRecord(ctx, tx, rec.ID, snapshot, domain.SyncError, now); err != nil {
		return err
	}
	if err := c.Repo.SetInstanceExternalTask(ctx, tx, rec.ChecklistInstanceID, nil, now); err != nil {
		return err
	}
	if err := c.Events.Append(ctx, tx, events.ChecklistTaskDetached, rec.ProjectID, "checklist_instance", rec.ChecklistInstanceID, actorID, events.EventPayload{
		"remote_task_id": rec.RemoteTaskID,
		"reason":         "remote_deleted",
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// PushStatus mirrors an instance's local completion to its remote task.
// Instances without a remote task are left alone.
func (c Coordinator) PushStatus(ctx context.Context, instance domain.ChecklistInstance) error {
	if instance.ExternalTaskID == nil || !c.Enabled() {
		return nil
	}
	completed := instance.Status.Completed()
	task, err := c.Gateway.UpdateTask(ctx, *instance.ExternalTaskID, taskapi.UpdateTaskInput{Completed: &completed})
	if err != nil {
		return fmt.Errorf("push status of %s: %w", instance.ID, err)
	}
	rec, err := c.Repo.GetSyncRecordByInstance(ctx, instance.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	return c.Repo.TouchSyncRecord(ctx, nil, rec.ID, encodeSnapshot(task), "", repo.Timestamp(c.now()))
}

// DetachDependents removes instance's task from the dependency lists of its
// dependents' tasks and returns how many links were removed.
func (c Coordinator) DetachDependents(ctx context.Context, instance domain.ChecklistInstance) int {
	if instance.ExternalTaskID == nil || !c.Enabled() {
		return 0
	}
	dependents, err := c.dependentInstances(ctx, instance)
	if err != nil {
		c.logger().Warn("list dependent instances failed", "instance_id", instance.ID, "error", err)
		return 0
	}
	removed := 0
	for _, dep := range dependents {
		if dep.ExternalTaskID == nil {
			continue
		}
		removed += c.Gateway.RemoveDependencies(ctx, *dep.ExternalTaskID, []string{*instance.ExternalTaskID})
	}
	return removed
}

// DeleteRemoteTasks deletes the remote tasks of every synced record of the
// project. Failures are logged and counted.
func (c Coordinator) DeleteRemoteTasks(ctx context.Context, projectID string) (deleted, failed int, err error) {
	if !c.Enabled() {
		return 0, 0, taskapi.ErrNotConfigured
	}
	records, err := c.Repo.ListSyncRecords(ctx, projectID)
	if err != nil {
		return 0, 0, err
	}
	for _, rec := range records {
		if rec.Status != domain.SyncSynced {
			continue
		}
		if err := c.Gateway.DeleteTask(ctx, rec.RemoteTaskID); err != nil {
			failed++
			c.logger().Warn("delete remote task failed", "remote_task_id", rec.RemoteTaskID, "error", err)
			continue
		}
		deleted++
	}
	return deleted, failed, nil
}

func encodeSnapshot(task taskapi.Task) string {
	data, err := json.Marshal(task)
	if err != nil {
		return ""
	}
	return string(data)
}
