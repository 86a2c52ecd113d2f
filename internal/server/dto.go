package server

import (
	"encoding/json"

	"launchline/internal/domain"
	"launchline/internal/engine"
	"launchline/internal/gates"
	"launchline/internal/tasksync"
	"launchline/internal/webhook"
)

// Request payloads

type ChecklistAssignmentRequest struct {
	TemplateID string `json:"template_id"`
	ExecutorID string `json:"executor_id,omitempty"`
	OwnerID    string `json:"owner_id,omitempty"`
	DueDate    string `json:"due_date,omitempty" example:"2024-03-01"`
}

type CreateProjectRequest struct {
	Name              string                       `json:"name"`
	Code              string                       `json:"code" example:"ACME"`
	Decision          map[string]any               `json:"decision,omitempty"`
	ExternalProjectID string                       `json:"external_project_id,omitempty"`
	Checklists        []ChecklistAssignmentRequest `json:"checklists,omitempty"`
}

type UpdateChecklistRequest struct {
	Status string `json:"status" enum:"pending,in_progress,completed,skipped"`
}

// Response payloads

type ProjectResponse struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Code              string         `json:"code"`
	Status            string         `json:"status" enum:"in_development,ready_for_publish,published,delivered"`
	Decision          map[string]any `json:"decision,omitempty"`
	ExternalProjectID *string        `json:"external_project_id,omitempty"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
	UpdatedAt         string         `json:"updated_at" format:"date-time"`
}

type CreateProjectResponse struct {
	Project   ProjectResponse            `json:"project"`
	Instances []domain.ChecklistInstance `json:"instances"`
	Sync      *tasksync.Tally            `json:"sync,omitempty"`
	Gates     gates.Evaluation           `json:"gates"`
	Warnings  []string                   `json:"warnings"`
}

type ProjectOverviewResponse struct {
	Project     ProjectResponse            `json:"project"`
	Instances   []domain.ChecklistInstance `json:"instances"`
	SyncRecords []domain.SyncRecord        `json:"sync_records"`
	SyncCounts  map[string]int             `json:"sync_counts"`
	Gates       gates.Evaluation           `json:"gates"`
}

type AddChecklistResponse struct {
	Instance domain.ChecklistInstance `json:"instance"`
	Sync     *tasksync.Result         `json:"sync,omitempty"`
	Gates    gates.Evaluation         `json:"gates"`
	Warnings []string                 `json:"warnings"`
}

type ChecklistStatusResponse struct {
	Instance       domain.ChecklistInstance `json:"instance"`
	PreviousStatus string                   `json:"previous_status"`
	Changed        bool                     `json:"changed"`
	Detached       int                      `json:"detached_dependencies"`
	Gates          gates.Evaluation         `json:"gates"`
	Warnings       []string                 `json:"warnings"`
}

type DeleteProjectResponse struct {
	ProjectID     string   `json:"project_id"`
	RemoteDeleted int      `json:"remote_deleted"`
	RemoteFailed  int      `json:"remote_failed"`
	Warnings      []string `json:"warnings"`
}

type TaskSyncResponse struct {
	Instance       domain.ChecklistInstance `json:"instance"`
	PreviousStatus string                   `json:"previous_status"`
	Changed        bool                     `json:"changed"`
	Gates          gates.Evaluation         `json:"gates"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type PingResponse struct {
	OK    bool   `json:"ok"`
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type WebhookReceiptResponse struct {
	Received bool `json:"received"`
}

type WebhookStatsResponse = webhook.Stats

type GateEvaluationResponse = gates.Evaluation

type SyncTallyResponse = tasksync.Tally

type RetryTallyResponse = tasksync.RetryTally

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:                p.ID,
		Name:              p.Name,
		Code:              p.Code,
		Status:            string(p.Status),
		Decision:          decodeJSONMap(p.DecisionJSON),
		ExternalProjectID: p.ExternalProjectID,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func createProjectResponse(res engine.CreateProjectResult) CreateProjectResponse {
	return CreateProjectResponse{
		Project:   projectResponse(res.Project),
		Instances: nonNilSlice(res.Instances),
		Sync:      res.Sync,
		Gates:     res.Gates,
		Warnings:  nonNilSlice(res.Warnings),
	}
}

func overviewResponse(ov engine.Overview) ProjectOverviewResponse {
	counts := make(map[string]int, len(ov.SyncCounts))
	for status, n := range ov.SyncCounts {
		counts[string(status)] = n
	}
	return ProjectOverviewResponse{
		Project:     projectResponse(ov.Project),
		Instances:   nonNilSlice(ov.Instances),
		SyncRecords: nonNilSlice(ov.SyncRecords),
		SyncCounts:  counts,
		Gates:       ov.Gates,
	}
}

func addChecklistResponse(res engine.AddChecklistResult) AddChecklistResponse {
	return AddChecklistResponse{
		Instance: res.Instance,
		Sync:     res.Sync,
		Gates:    res.Gates,
		Warnings: nonNilSlice(res.Warnings),
	}
}

func checklistStatusResponse(res engine.ChecklistStatusResult) ChecklistStatusResponse {
	return ChecklistStatusResponse{
		Instance:       res.Instance,
		PreviousStatus: string(res.PreviousStatus),
		Changed:        res.Changed,
		Detached:       res.Detached,
		Gates:          res.Gates,
		Warnings:       nonNilSlice(res.Warnings),
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := decodeJSONMap(e.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
