// Package csrf issues per-session, single-use anti-forgery tokens.
package csrf

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"rosterline.org/internal/audit"
	"rosterline.org/internal/config"
	"rosterline.org/internal/counter"
	"rosterline.org/internal/obs"
	"rosterline.org/internal/secure"
)

// HeaderName carries the token on mutating requests.
const HeaderName = "X-CSRF-Token"

// Token is an issued anti-forgery token.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Guard is safe for concurrent use; consumption state lives in the counter store.
type Guard struct {
	signer *secure.Signer
	store  counter.Store
	audit  audit.Recorder
	ttl    time.Duration
	now    func() time.Time
	log    *zap.Logger
}

// Option configures Guard.
type Option func(*Guard)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// WithLogger overrides the structured logger.
func WithLogger(z *zap.Logger) Option {
	return func(g *Guard) {
		if z != nil {
			g.log = z
		}
	}
}

// New constructs a Guard issuing tokens valid for sec.CSRFTTL.
func New(signer *secure.Signer, store counter.Store, sec config.Security, rec audit.Recorder, opts ...Option) *Guard {
	g := &Guard{
		signer: signer,
		store:  store,
		audit:  rec,
		ttl:    sec.CSRFTTL,
		now:    time.Now,
		log:    obs.Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func usedKey(tokenID string) string { return counter.Key("csrf", "used", tokenID) }

// Issue mints a token bound to sessionID. Earlier tokens of the session stay
// valid, so several tabs can hold one each.
func (g *Guard) Issue(ctx context.Context, sessionID string) (Token, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Token{}, errors.New("csrf: session id is required")
	}
	value, claims, err := g.signer.Sign(secure.PurposeCSRF, "", secure.HashToken(sessionID), g.ttl)
	if err != nil {
		return Token{}, err
	}
	obs.ObserveDecision("csrf", "issued")
	return Token{Value: value, ExpiresAt: claims.ExpiresAtTime()}, nil
}

// ValidateAndConsume accepts token exactly once for sessionID. Checks run in
// order signature, expiry, session binding, consumption; the first failure
// decides the returned error.
func (g *Guard) ValidateAndConsume(ctx context.Context, token, sessionID string) error {
	claims, err := g.signer.Verify(token, secure.PurposeCSRF)
	if err != nil {
		return g.reject(ctx, sessionID, secure.TokenReason(err), err)
	}
	if sessionID == "" || !secure.Equal(claims.Binding, secure.HashToken(sessionID)) {
		return g.reject(ctx, sessionID, secure.ReasonSessionMismatch, secure.ErrSessionMismatch)
	}

	remaining := claims.ExpiresAtTime().Sub(g.now())
	if remaining <= 0 {
		return g.reject(ctx, sessionID, secure.ReasonExpired, secure.InvalidToken(secure.ReasonExpired))
	}
	won, err := g.store.SetNX(ctx, usedKey(claims.ID), g.now().UTC().Format(time.RFC3339), remaining)
	if err != nil {
		obs.ObserveDecision("csrf", "fail_closed")
		g.log.Error("csrf consumption check failed closed", zap.Error(err))
		return secure.Unavailable("csrf consume", err)
	}
	if !won {
		return g.reject(ctx, sessionID, "consumed", secure.ErrAlreadyConsumed)
	}
	obs.ObserveDecision("csrf", "accepted")
	return nil
}

func (g *Guard) reject(ctx context.Context, sessionID, reason string, err error) error {
	obs.ObserveDecision("csrf", "rejected")
	if reason == "" {
		reason = secure.ReasonMalformed
	}
	if g.audit != nil {
		ev := audit.Event{
			Action:        audit.ActionCSRFRejected,
			ResourceType:  "session",
			Outcome:       audit.OutcomeFailure,
			FailureReason: reason,
		}
		if sessionID != "" {
			ev.ResourceID = secure.HashToken(sessionID)
		}
		if _, auditErr := g.audit.Record(ctx, ev); auditErr != nil {
			g.log.Error("csrf rejection audit failed", zap.Error(auditErr))
		}
	}
	return err
}
