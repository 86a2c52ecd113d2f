package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"launchline/internal/domain"
)

const instanceColumns = `id,project_id,template_id,template_version,executor_id,owner_id,status,due_date,external_task_id,completed_at,created_at,updated_at`

func scanInstance(row rowScanner) (domain.ChecklistInstance, error) {
	var ci domain.ChecklistInstance
	var status string
	var executor, owner, due, external, completed sql.NullString
	err := row.Scan(&ci.ID, &ci.ProjectID, &ci.TemplateID, &ci.TemplateVersion, &executor, &owner, &status, &due, &external, &completed, &ci.CreatedAt, &ci.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ci, ErrNotFound
	}
	if err != nil {
		return ci, err
	}
	ci.Status = domain.ChecklistStatus(status)
	ci.ExecutorID = stringPtr(executor)
	ci.OwnerID = stringPtr(owner)
	ci.DueDate = stringPtr(due)
	ci.ExternalTaskID = stringPtr(external)
	ci.CompletedAt = stringPtr(completed)
	return ci, nil
}

func collectInstances(rows *sql.Rows) ([]domain.ChecklistInstance, error) {
	defer rows.Close()
	var res []domain.ChecklistInstance
	for rows.Next() {
		ci, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ci)
	}
	return res, rows.Err()
}

// InsertInstance fails with ErrConflict when the template is already assigned
// to the project.
func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, ci domain.ChecklistInstance) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO checklist_instances(`+instanceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		ci.ID, ci.ProjectID, ci.TemplateID, ci.TemplateVersion, nullableStringPtr(ci.ExecutorID), nullableStringPtr(ci.OwnerID),
		string(ci.Status), nullableStringPtr(ci.DueDate), nullableStringPtr(ci.ExternalTaskID), nullableStringPtr(ci.CompletedAt),
		ci.CreatedAt, ci.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("template %s already assigned to project %s: %w", ci.TemplateID, ci.ProjectID, ErrConflict)
	}
	return err
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.ChecklistInstance, error) {
	return r.GetInstanceTx(ctx, nil, id)
}

func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.ChecklistInstance, error) {
	return scanInstance(r.q(tx).QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM checklist_instances WHERE id=?`, id))
}

// ListInstances returns a project's instances in assignment order.
func (r Repo) ListInstances(ctx context.Context, projectID string) ([]domain.ChecklistInstance, error) {
	return r.ListInstancesTx(ctx, nil, projectID)
}

func (r Repo) ListInstancesTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.ChecklistInstance, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+instanceColumns+` FROM checklist_instances WHERE project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

// ListInstancesWithoutTask returns instances not yet linked to a remote task.
func (r Repo) ListInstancesWithoutTask(ctx context.Context, projectID string) ([]domain.ChecklistInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+instanceColumns+` FROM checklist_instances WHERE project_id=? AND external_task_id IS NULL ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

// ListInstancesByTemplates returns a project's instances for any of templateIDs.
func (r Repo) ListInstancesByTemplates(ctx context.Context, projectID string, templateIDs []string) ([]domain.ChecklistInstance, error) {
	if len(templateIDs) == 0 {
		return nil, nil
	}
	args := []any{projectID}
	marks := make([]string, len(templateIDs))
	for i, id := range templateIDs {
		marks[i] = "?"
		args = append(args, id)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+instanceColumns+` FROM checklist_instances WHERE project_id=? AND template_id IN (`+strings.Join(marks, ",")+`) ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

// SetInstanceStatus writes a new status; completed_at is set when entering
// completed and cleared otherwise.
func (r Repo) SetInstanceStatus(ctx context.Context, tx *sql.Tx, id string, status domain.ChecklistStatus, now string) error {
	var completedAt any
	if status == domain.ChecklistCompleted {
		completedAt = now
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE checklist_instances SET status=?, completed_at=?, updated_at=? WHERE id=?`, string(status), completedAt, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetInstanceExternalTask links or (with nil) unlinks the remote task.
func (r Repo) SetInstanceExternalTask(ctx context.Context, tx *sql.Tx, id string, remoteTaskID *string, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE checklist_instances SET external_task_id=?, updated_at=? WHERE id=?`, nullableStringPtr(remoteTaskID), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
