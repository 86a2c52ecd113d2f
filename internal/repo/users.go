package repo

import (
	"context"
	"database/sql"
	"errors"

	"launchline/internal/domain"
)

func (r Repo) UpsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(id,name,email,is_executor,external_id,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, is_executor=excluded.is_executor, external_id=excluded.external_id`,
		u.ID, u.Name, nullable(u.Email), boolInt(u.IsExecutor), nullableStringPtr(u.ExternalID), u.CreatedAt)
	return err
}

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var email, external sql.NullString
	var executor int
	err := row.Scan(&u.ID, &u.Name, &email, &executor, &external, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Email = email.String
	u.IsExecutor = executor != 0
	u.ExternalID = stringPtr(external)
	return u, nil
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,name,email,is_executor,external_id,created_at FROM users WHERE id=?`, id))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,email,is_executor,external_id,created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
