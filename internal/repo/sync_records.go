package repo

import (
	"context"
	"database/sql"
	"errors"

	"launchline/internal/domain"
)

const syncColumns = `id,checklist_instance_id,project_id,remote_task_id,remote_container_id,payload_json,sync_status,last_synced_at,created_at`

func scanSyncRecord(row rowScanner) (domain.SyncRecord, error) {
	var rec domain.SyncRecord
	var container, payload sql.NullString
	var status string
	err := row.Scan(&rec.ID, &rec.ChecklistInstanceID, &rec.ProjectID, &rec.RemoteTaskID, &container, &payload, &status, &rec.LastSyncedAt, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.RemoteContainerID = container.String
	rec.PayloadJSON = payload.String
	rec.Status = domain.SyncStatus(status)
	return rec, nil
}

func collectSyncRecords(rows *sql.Rows) ([]domain.SyncRecord, error) {
	defer rows.Close()
	var res []domain.SyncRecord
	for rows.Next() {
		rec, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ClaimSyncSlot inserts rec unless the instance already owns a sync record.
// It reports whether this caller won the slot.
func (r Repo) ClaimSyncSlot(ctx context.Context, rec domain.SyncRecord) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO task_sync_records(`+syncColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(checklist_instance_id) DO NOTHING`,
		rec.ID, rec.ChecklistInstanceID, rec.ProjectID, rec.RemoteTaskID, nullable(rec.RemoteContainerID), nullable(rec.PayloadJSON),
		string(rec.Status), rec.LastSyncedAt, rec.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ResolveSyncSlot moves a claimed record to its final remote id and status.
func (r Repo) ResolveSyncSlot(ctx context.Context, tx *sql.Tx, id, remoteTaskID, containerID, payload string, status domain.SyncStatus, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE task_sync_records SET remote_task_id=?, remote_container_id=?, payload_json=?, sync_status=?, last_synced_at=? WHERE id=?`,
		remoteTaskID, nullable(containerID), nullable(payload), string(status), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetSyncRecordByRemoteID(ctx context.Context, remoteTaskID string) (domain.SyncRecord, error) {
	return scanSyncRecord(r.DB.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM task_sync_records WHERE remote_task_id=?`, remoteTaskID))
}

func (r Repo) GetSyncRecordByInstance(ctx context.Context, instanceID string) (domain.SyncRecord, error) {
	return scanSyncRecord(r.DB.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM task_sync_records WHERE checklist_instance_id=?`, instanceID))
}

func (r Repo) ListSyncRecords(ctx context.Context, projectID string) ([]domain.SyncRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+syncColumns+` FROM task_sync_records WHERE project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	return collectSyncRecords(rows)
}

// ListRetryableSyncRecords returns error records plus pending claims last
// touched before staleBefore.
func (r Repo) ListRetryableSyncRecords(ctx context.Context, projectID, staleBefore string) ([]domain.SyncRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+syncColumns+` FROM task_sync_records
WHERE project_id=? AND (sync_status=? OR (sync_status=? AND last_synced_at < ?)) ORDER BY created_at, id`,
		projectID, string(domain.SyncError), string(domain.SyncPending), staleBefore)
	if err != nil {
		return nil, err
	}
	return collectSyncRecords(rows)
}

// DeleteSyncRecord removes a record only if it still has the given status.
func (r Repo) DeleteSyncRecord(ctx context.Context, id string, status domain.SyncStatus) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM task_sync_records WHERE id=? AND sync_status=?`, id, string(status))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchSyncRecord refreshes the snapshot and timestamp, and the status when non-empty.
func (r Repo) TouchSyncRecord(ctx context.Context, tx *sql.Tx, id, payload string, status domain.SyncStatus, now string) error {
	var res sql.Result
	var err error
	if status == "" {
		res, err = r.q(tx).ExecContext(ctx, `UPDATE task_sync_records SET payload_json=?, last_synced_at=? WHERE id=?`, nullable(payload), now, id)
	} else {
		res, err = r.q(tx).ExecContext(ctx, `UPDATE task_sync_records SET payload_json=?, sync_status=?, last_synced_at=? WHERE id=?`, nullable(payload), string(status), now, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountSyncRecords tallies a project's records by status.
func (r Repo) CountSyncRecords(ctx context.Context, projectID string) (map[domain.SyncStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT sync_status, COUNT(*) FROM task_sync_records WHERE project_id=? GROUP BY sync_status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.SyncStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}
