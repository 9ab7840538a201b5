package reset

import (
	"context"
	"errors"
	"time"

	"rosterline.org/internal/counter"
	"rosterline.org/internal/secure"
)

// Token is the persisted view of an issued reset token. The raw value is
// never stored, only its hash.
type Token struct {
	ID        string
	AccountID string
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Store persists reset tokens.
type Store interface {
	// Replace stores t and supersedes every unused token of the same account
	// in one atomic step.
	Replace(ctx context.Context, t Token) error
	// Consume marks t used exactly once. It returns secure.ErrAlreadyConsumed
	// for a used token and an invalid-token error with reason superseded for
	// one replaced by a newer issue.
	Consume(ctx context.Context, t Token, at time.Time) error
}

// CounterStore keeps reset state in the shared counter store: the account's
// current token id, plus a consumed marker per token.
type CounterStore struct {
	store counter.Store
}

func NewCounterStore(store counter.Store) *CounterStore {
	return &CounterStore{store: store}
}

func currentKey(accountID string) string { return counter.Key("reset", "current", accountID) }
func usedKey(tokenID string) string { return counter.Key("reset", "used", tokenID) }

func (c *CounterStore) Replace(ctx context.Context, t Token) error {
	ttl := t.ExpiresAt.Sub(t.IssuedAt)
	if ttl <= 0 {
		return errors.New("reset: token already expired")
	}
	return c.store.Set(ctx, currentKey(t.AccountID), t.ID, ttl)
}

func (c *CounterStore) Consume(ctx context.Context, t Token, at time.Time) error {
	remaining := t.ExpiresAt.Sub(at)
	if remaining <= 0 {
		return secure.InvalidToken(secure.ReasonExpired)
	}
	cur, err := c.store.Get(ctx, currentKey(t.AccountID))
	if err != nil && !errors.Is(err, counter.ErrNotFound) {
		return secure.Unavailable("reset current", err)
	}
	if err != nil || cur != t.ID {
		if _, uerr := c.store.Get(ctx, usedKey(t.ID)); uerr == nil {
			return secure.ErrAlreadyConsumed
		}
		return secure.InvalidToken(secure.ReasonSuperseded)
	}
	won, err := c.store.SetNX(ctx, usedKey(t.ID), at.UTC().Format(time.RFC3339), remaining)
	if err != nil {
		return secure.Unavailable("reset consume", err)
	}
	if !won {
		return secure.ErrAlreadyConsumed
	}
	return nil
}
