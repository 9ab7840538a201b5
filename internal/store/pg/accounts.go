package pg

import (
	"context"
	"database/sql"
	"errors"

	"rosterline.org/internal/auth"
	"rosterline.org/internal/ids"
)

var _ auth.Directory = (*Store)(nil)

const accountColumns = `id, organization_id, email, password_hash, role, status, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (auth.Account, error) {
	var a auth.Account
	err := row.Scan(&a.ID, &a.OrganizationID, &a.Email, &a.PasswordHash, &a.Role, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (s *Store) CreateAccount(ctx context.Context, a auth.Account) (auth.Account, error) {
	if err := s.ready(); err != nil {
		return auth.Account{}, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.Status == "" {
		a.Status = auth.StatusActive
	}
	row := s.db.QueryRowContext(ctx, `
		insert into accounts (id, organization_id, email, password_hash, role, status)
		values ($1, $2, $3, $4, $5, $6)
		returning `+accountColumns,
		a.ID, a.OrganizationID, auth.NormalizeEmail(a.Email), a.PasswordHash, a.Role, a.Status)
	created, err := scanAccount(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.Account{}, auth.ErrConflict
			case pgErrForeignKeyViolation:
				return auth.Account{}, auth.ErrNotFound
			}
		}
		return auth.Account{}, unavailable("create account", err)
	}
	return created, nil
}

func (s *Store) FindAccount(ctx context.Context, id string) (auth.Account, error) {
	if err := s.ready(); err != nil {
		return auth.Account{}, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Account{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Account{}, unavailable("find account", err)
	}
	return a, nil
}

func (s *Store) FindAccountByEmail(ctx context.Context, email string) (auth.Account, error) {
	if err := s.ready(); err != nil {
		return auth.Account{}, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where email = $1`, auth.NormalizeEmail(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Account{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Account{}, unavailable("find account", err)
	}
	return a, nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return s.updateAccount(ctx, `update accounts set password_hash = $2, updated_at = now() where id = $1`, id, hash)
}

func (s *Store) UpdateRole(ctx context.Context, id, role string) error {
	return s.updateAccount(ctx, `update accounts set role = $2, updated_at = now() where id = $1`, id, role)
}

func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	return s.updateAccount(ctx, `update accounts set status = $2, updated_at = now() where id = $1`, id, status)
}

func (s *Store) updateAccount(ctx context.Context, query, id, value string) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, query, id, value)
	if err != nil {
		return unavailable("update account", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
