package repo

import (
	"context"
	"database/sql"

	"launchline/internal/domain"
)

// InsertAudit records an inbound event in processing state and returns its id.
func (r Repo) InsertAudit(ctx context.Context, e domain.WebhookAuditEntry) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_audit(event_id,event_type,resource_id,payload_json,status,received_at) VALUES (?,?,?,?,?,?)`,
		e.EventID, e.EventType, e.ResourceID, e.PayloadJSON, string(e.Status), e.ReceivedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishAudit stamps the terminal status of an audit entry.
func (r Repo) FinishAudit(ctx context.Context, id int64, status domain.AuditStatus, errMsg, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE webhook_audit SET status=?, error=?, processed_at=? WHERE id=?`, string(status), nullable(errMsg), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAudit returns the newest entries first, optionally for one resource.
func (r Repo) ListAudit(ctx context.Context, resourceID string, limit int) ([]domain.WebhookAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,event_id,event_type,resource_id,payload_json,status,error,received_at,processed_at FROM webhook_audit`
	args := []any{}
	if resourceID != "" {
		query += ` WHERE resource_id=?`
		args = append(args, resourceID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WebhookAuditEntry
	for rows.Next() {
		var e domain.WebhookAuditEntry
		var status string
		var errMsg, processed sql.NullString
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.ResourceID, &e.PayloadJSON, &status, &errMsg, &e.ReceivedAt, &processed); err != nil {
			return nil, err
		}
		e.Status = domain.AuditStatus(status)
		e.Error = errMsg.String
		e.ProcessedAt = stringPtr(processed)
		res = append(res, e)
	}
	return res, rows.Err()
}
