package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	ResourceTask = "task"

	ActionChanged = "changed"
	ActionDeleted = "deleted"

	FieldCompleted = "completed"
)

// Resource names the remote object an event is about.
type Resource struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// Change describes a field-level change.
type Change struct {
	Field    string          `json:"field"`
	Action   string          `json:"action,omitempty"`
	NewValue json.RawMessage `json:"new_value,omitempty"`
	OldValue json.RawMessage `json:"old_value,omitempty"`
}

// Event is one entry of an inbound batch.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Action    string    `json:"action"`
	Resource  Resource  `json:"resource"`
	Parent    *Resource `json:"parent,omitempty"`
	Change    *Change   `json:"change,omitempty"`
	User      *Resource `json:"user,omitempty"`
	CreatedAt string    `json:"created_at,omitempty"`

	raw json.RawMessage
}

// Batch is the body of a delivery.
type Batch struct {
	Events []Event `json:"events"`
}

// ParseBatch decodes a delivery body, keeping each event's raw bytes for
// auditing and id derivation.
func ParseBatch(body []byte) ([]Event, error) {
	var envelope struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode webhook batch: %w", err)
	}
	out := make([]Event, 0, len(envelope.Events))
	for i, raw := range envelope.Events {
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode webhook event %d: %w", i, err)
		}
		ev.raw = raw
		out = append(out, ev)
	}
	return out, nil
}

// Raw returns the event as received, or its re-encoding when built in code.
func (e Event) Raw() []byte {
	if len(e.raw) > 0 {
		return e.raw
	}
	data, _ := json.Marshal(e)
	return data
}

// EventID is the sender's id when present, otherwise a digest of the event.
func (e Event) EventID() string {
	if strings.TrimSpace(e.ID) != "" {
		return e.ID
	}
	sum := sha256.Sum256(e.Raw())
	return hex.EncodeToString(sum[:])
}

// Type is the audit label for the event, e.g. "changed:completed".
func (e Event) Type() string {
	if e.Change != nil && e.Change.Field != "" {
		return e.Action + ":" + e.Change.Field
	}
	return e.Action
}

// CompletedValue reports the new completion value carried by the change, if any.
func (e Event) CompletedValue() (bool, bool) {
	if e.Change == nil || len(e.Change.NewValue) == 0 {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(e.Change.NewValue, &b); err == nil {
		return b, true
	}
	var s string
	if err := json.Unmarshal(e.Change.NewValue, &s); err == nil {
		if v, err := strconv.ParseBool(s); err == nil {
			return v, true
		}
	}
	return false, false
}
