package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rosterline.org/internal/reset"
	"rosterline.org/internal/secure"
)

var _ reset.Store = (*Store)(nil)

// Replace supersedes the account's unused tokens and stores t in one
// transaction.
func (s *Store) Replace(ctx context.Context, t reset.Token) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("reset begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		update password_reset_tokens set superseded_at = $2
		where account_id = $1 and used_at is null and superseded_at is null`,
		t.AccountID, t.IssuedAt.UTC()); err != nil {
		return unavailable("reset supersede", err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into password_reset_tokens (id, account_id, token_hash, issued_at, expires_at)
		values ($1, $2, $3, $4, $5)`,
		t.ID, t.AccountID, t.TokenHash, t.IssuedAt.UTC(), t.ExpiresAt.UTC()); err != nil {
		return unavailable("reset insert", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("reset commit", err)
	}
	return nil
}

// Consume is a single conditional update; when it matches nothing the row is
// read back to classify the rejection.
func (s *Store) Consume(ctx context.Context, t reset.Token, at time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var id string
	err := s.db.QueryRowContext(ctx, `
		update password_reset_tokens set used_at = $4
		where id = $1 and account_id = $2 and token_hash = $3
		  and used_at is null and superseded_at is null and expires_at > $4
		returning id`, t.ID, t.AccountID, t.TokenHash, at.UTC()).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return unavailable("reset consume", err)
	}

	var (
		hash             string
		expiresAt        time.Time
		used, superseded sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, `
		select token_hash, expires_at, used_at, superseded_at
		from password_reset_tokens where id = $1 and account_id = $2`, t.ID, t.AccountID).
		Scan(&hash, &expiresAt, &used, &superseded)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return secure.InvalidToken(secure.ReasonMalformed)
	case err != nil:
		return unavailable("reset lookup", err)
	case !secure.Equal(hash, t.TokenHash):
		return secure.InvalidToken(secure.ReasonSignature)
	case used.Valid:
		return secure.ErrAlreadyConsumed
	case superseded.Valid:
		return secure.InvalidToken(secure.ReasonSuperseded)
	case !at.Before(expiresAt):
		return secure.InvalidToken(secure.ReasonExpired)
	}
	// The row became consumable between the two statements; treat the race
	// as lost.
	return secure.ErrAlreadyConsumed
}
