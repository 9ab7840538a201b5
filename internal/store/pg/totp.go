package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rosterline.org/internal/totp"
)

var _ totp.Store = (*Store)(nil)

func (s *Store) Get(ctx context.Context, accountID string) (totp.Credential, error) {
	if err := s.ready(); err != nil {
		return totp.Credential{}, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var (
		c         totp.Credential
		enabledAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select account_id, secret, enabled, created_at, enabled_at
		from totp_credentials where account_id = $1`, accountID).
		Scan(&c.AccountID, &c.Secret, &c.Enabled, &c.CreatedAt, &enabledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return totp.Credential{}, totp.ErrNotEnrolled
	}
	if err != nil {
		return totp.Credential{}, unavailable("totp get", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.EnabledAt = timePtr(enabledAt)

	rows, err := s.db.QueryContext(ctx, `
		select code_hash, used_at from totp_recovery_codes
		where account_id = $1 order by position`, accountID)
	if err != nil {
		return totp.Credential{}, unavailable("totp recovery codes", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rc     totp.RecoveryCode
			usedAt sql.NullTime
		)
		if err := rows.Scan(&rc.Hash, &usedAt); err != nil {
			return totp.Credential{}, err
		}
		rc.UsedAt = timePtr(usedAt)
		c.RecoveryCodes = append(c.RecoveryCodes, rc)
	}
	if err := rows.Err(); err != nil {
		return totp.Credential{}, unavailable("totp recovery codes", err)
	}
	return c, nil
}

// SavePending locks any existing credential row so a concurrent Enable cannot
// slip between the check and the replacement.
func (s *Store) SavePending(ctx context.Context, c totp.Credential) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("totp begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var enabled bool
	err = tx.QueryRowContext(ctx,
		`select enabled from totp_credentials where account_id = $1 for update`, c.AccountID).Scan(&enabled)
	switch {
	case err == nil && enabled:
		return totp.ErrAlreadyEnabled
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return unavailable("totp lock", err)
	}

	if _, err := tx.ExecContext(ctx, `delete from totp_credentials where account_id = $1`, c.AccountID); err != nil {
		return unavailable("totp replace", err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into totp_credentials (account_id, secret, enabled, created_at)
		values ($1, $2, false, $3)`, c.AccountID, c.Secret, c.CreatedAt.UTC()); err != nil {
		return unavailable("totp insert", err)
	}
	for i, rc := range c.RecoveryCodes {
		if _, err := tx.ExecContext(ctx, `
			insert into totp_recovery_codes (account_id, position, code_hash)
			values ($1, $2, $3)`, c.AccountID, i, rc.Hash); err != nil {
			return unavailable("totp recovery insert", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("totp commit", err)
	}
	return nil
}

func (s *Store) Enable(ctx context.Context, accountID string, at time.Time) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		update totp_credentials set enabled = true, enabled_at = $2
		where account_id = $1 and not enabled`, accountID, at.UTC())
	if err != nil {
		return false, unavailable("totp enable", err)
	}
	return affectedOne(res)
}

func (s *Store) ConsumeRecoveryCode(ctx context.Context, accountID string, index int, at time.Time) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		update totp_recovery_codes r set used_at = $3
		from totp_credentials c
		where r.account_id = $1 and r.position = $2 and r.used_at is null
		  and c.account_id = r.account_id and c.enabled`, accountID, index, at.UTC())
	if err != nil {
		return false, unavailable("totp consume recovery", err)
	}
	return affectedOne(res)
}

// Delete removes the credential; recovery codes cascade.
func (s *Store) Delete(ctx context.Context, accountID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `delete from totp_credentials where account_id = $1`, accountID); err != nil {
		return unavailable("totp delete", err)
	}
	return nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 1 {
		return false, fmt.Errorf("pg: expected at most one row, updated %d", n)
	}
	return n == 1, nil
}
