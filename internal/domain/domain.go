package domain

import "fmt"

// ProjectStatus is the cached lifecycle stage derived from gate evaluation.
type ProjectStatus string

const (
	ProjectInDevelopment   ProjectStatus = "in_development"
	ProjectReadyForPublish ProjectStatus = "ready_for_publish"
	ProjectPublished       ProjectStatus = "published"
	ProjectDelivered       ProjectStatus = "delivered"
)

// ParseProjectStatus rejects values outside the closed set.
func ParseProjectStatus(s string) (ProjectStatus, error) {
	switch st := ProjectStatus(s); st {
	case ProjectInDevelopment, ProjectReadyForPublish, ProjectPublished, ProjectDelivered:
		return st, nil
	default:
		return "", fmt.Errorf("invalid project status %q", s)
	}
}

// Terminal reports whether no further checklists may be assigned.
func (s ProjectStatus) Terminal() bool {
	switch s {
	case ProjectDelivered:
		return true
	case ProjectInDevelopment, ProjectReadyForPublish, ProjectPublished:
		return false
	default:
		return false
	}
}

type ChecklistStatus string

const (
	ChecklistPending    ChecklistStatus = "pending"
	ChecklistInProgress ChecklistStatus = "in_progress"
	ChecklistCompleted  ChecklistStatus = "completed"
	ChecklistSkipped    ChecklistStatus = "skipped"
)

func ParseChecklistStatus(s string) (ChecklistStatus, error) {
	switch st := ChecklistStatus(s); st {
	case ChecklistPending, ChecklistInProgress, ChecklistCompleted, ChecklistSkipped:
		return st, nil
	default:
		return "", fmt.Errorf("invalid checklist status %q", s)
	}
}

// Completed reports whether the status satisfies a gate requirement.
func (s ChecklistStatus) Completed() bool {
	switch s {
	case ChecklistCompleted:
		return true
	case ChecklistPending, ChecklistInProgress, ChecklistSkipped:
		return false
	default:
		return false
	}
}

type SyncStatus string

const (
	// SyncPending marks a claimed slot whose remote creation is in flight.
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncError   SyncStatus = "error"
)

type AuditStatus string

const (
	AuditProcessing AuditStatus = "processing"
	AuditProcessed  AuditStatus = "processed"
	AuditError      AuditStatus = "error"
)

// GateName identifies a gate. Gates are ordered by Gate.SortOrder.
type GateName string

const (
	GatePublished GateName = "published"
	GateDelivered GateName = "delivered"
)

func ParseGateName(s string) (GateName, error) {
	switch g := GateName(s); g {
	case GatePublished, GateDelivered:
		return g, nil
	default:
		return "", fmt.Errorf("invalid gate name %q", s)
	}
}

type TemplateItem struct {
	Title    string `json:"title" yaml:"title"`
	Required bool   `json:"required" yaml:"required"`
}

type ChecklistTemplate struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Category  string         `json:"category"`
	Version   int            `json:"version"`
	Active    bool           `json:"active"`
	Items     []TemplateItem `json:"items"`
	DependsOn []string       `json:"depends_on,omitempty"`
}

type GateRequirement struct {
	GateID             string `json:"gate_id"`
	TemplateID         string `json:"template_id"`
	RequiredIfAssigned bool   `json:"required_if_assigned"`
}

type Gate struct {
	ID           string            `json:"id"`
	Name         GateName          `json:"name" enum:"published,delivered"`
	SortOrder    int               `json:"sort_order"`
	Requirements []GateRequirement `json:"requirements"`
}

type Project struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Code              string        `json:"code"`
	Status            ProjectStatus `json:"status" enum:"in_development,ready_for_publish,published,delivered"`
	DecisionJSON      string        `json:"decision_json,omitempty"`
	ExternalProjectID *string       `json:"external_project_id,omitempty"`
	CreatedAt         string        `json:"created_at" format:"date-time"`
	UpdatedAt         string        `json:"updated_at" format:"date-time"`
}

type ChecklistInstance struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	TemplateID      string          `json:"template_id"`
	TemplateVersion int             `json:"template_version"`
	ExecutorID      *string         `json:"executor_id,omitempty"`
	OwnerID         *string         `json:"owner_id,omitempty"`
	Status          ChecklistStatus `json:"status" enum:"pending,in_progress,completed,skipped"`
	DueDate         *string         `json:"due_date,omitempty"`
	ExternalTaskID  *string         `json:"external_task_id,omitempty"`
	CompletedAt     *string         `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	UpdatedAt       string          `json:"updated_at" format:"date-time"`
}

type SyncRecord struct {
	ID                  string     `json:"id"`
	ChecklistInstanceID string     `json:"checklist_instance_id"`
	ProjectID           string     `json:"project_id"`
	RemoteTaskID        string     `json:"remote_task_id"`
	RemoteContainerID   string     `json:"remote_container_id,omitempty"`
	PayloadJSON         string     `json:"payload_json,omitempty"`
	Status              SyncStatus `json:"sync_status" enum:"pending,synced,error"`
	LastSyncedAt        string     `json:"last_synced_at" format:"date-time"`
	CreatedAt           string     `json:"created_at" format:"date-time"`
}

type WebhookAuditEntry struct {
	ID          int64       `json:"id"`
	EventID     string      `json:"event_id"`
	EventType   string      `json:"event_type"`
	ResourceID  string      `json:"resource_id"`
	PayloadJSON string      `json:"payload_json"`
	Status      AuditStatus `json:"status" enum:"processing,processed,error"`
	Error       string      `json:"error,omitempty"`
	ReceivedAt  string      `json:"received_at" format:"date-time"`
	ProcessedAt *string     `json:"processed_at,omitempty" format:"date-time"`
}

type User struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Email      string  `json:"email,omitempty"`
	IsExecutor bool    `json:"is_executor"`
	ExternalID *string `json:"external_id,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
