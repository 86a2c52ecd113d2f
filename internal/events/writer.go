package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the reconciliation core.
const (
	ProjectCreated         = "project.created"
	ProjectDeleted         = "project.deleted"
	ProjectStatusChanged   = "project.status.changed"
	ChecklistAssigned      = "checklist.assigned"
	ChecklistStatusChanged = "checklist.status.changed"
	ChecklistTaskDetached  = "checklist.task.detached"
	SyncTaskCreated        = "sync.task.created"
	SyncTaskFailed         = "sync.task.failed"
	SyncRecordsRetried     = "sync.records.retried"
	SystemActor            = "system"
	WebhookActor           = "webhook"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	data, ts, err := w.encode(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorOrSystem(actorID), data)
	return err
}

// AppendDirect writes one event outside any transaction. Used for advisory
// outcomes (sync failures) that must not share a transaction with the effect.
func (w Writer) AppendDirect(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	data, ts, err := w.encode(payload)
	if err != nil {
		return err
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorOrSystem(actorID), data)
	return err
}

func (w Writer) encode(payload EventPayload) (string, string, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(data), now().UTC().Format(time.RFC3339), nil
}

func actorOrSystem(actorID string) string {
	if actorID == "" {
		return SystemActor
	}
	return actorID
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
