// Package reset issues and redeems single-use password-reset tokens.
package reset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"rosterline.org/internal/audit"
	"rosterline.org/internal/config"
	"rosterline.org/internal/obs"
	"rosterline.org/internal/ratelimit"
	"rosterline.org/internal/secure"
	"rosterline.org/internal/session"
)

// Accounts is the account directory as seen by the reset flow.
type Accounts interface {
	audit.Organizations
	// AccountIDByEmail returns secure.ErrNotFound for unknown addresses.
	AccountIDByEmail(ctx context.Context, email string) (string, error)
	SetPassword(ctx context.Context, accountID, newPassword string) error
}

// Limiter combines per-address and per-IP quotas.
type Limiter interface {
	CheckAll(ctx context.Context, scope string, subjects ...string) (ratelimit.Decision, error)
}

// SessionInvalidator ends every session of an account.
type SessionInvalidator interface {
	InvalidateAllForAccount(ctx context.Context, accountID string, reason session.Reason) error
}

// Service is safe for concurrent use.
type Service struct {
	signer   *secure.Signer
	store    Store
	accounts Accounts
	limiter  Limiter
	sessions SessionInvalidator
	notifier Notifier
	audit    audit.Recorder
	now      func() time.Time
	log      *zap.Logger
	ttl      time.Duration
	floor    time.Duration
}

// Option configures Service.
type Option func(*Service)

func WithAccounts(a Accounts) Option { return func(s *Service) { s.accounts = a } }
func WithLimiter(l Limiter) Option { return func(s *Service) { s.limiter = l } }
func WithSessions(inv SessionInvalidator) Option { return func(s *Service) { s.sessions = inv } }
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }
func WithRecorder(rec audit.Recorder) Option { return func(s *Service) { s.audit = rec } }

// WithClock overrides the time source used for token bookkeeping.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithLogger overrides the structured logger.
func WithLogger(z *zap.Logger) Option {
	return func(s *Service) {
		if z != nil {
			s.log = z
		}
	}
}

// New constructs a Service. Tokens live for sec.ResetTokenTTL and every
// RequestReset takes at least sec.ResetMinDuration.
func New(signer *secure.Signer, store Store, sec config.Security, opts ...Option) *Service {
	s := &Service{
		signer: signer,
		store:  store,
		now:    time.Now,
		log:    obs.Logger(),
		ttl:    sec.ResetTokenTTL,
		floor:  sec.ResetMinDuration,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = LogNotifier{Log: s.log}
	}
	return s
}

// Issue mints a token for accountID and supersedes every earlier unused one.
func (s *Service) Issue(ctx context.Context, accountID string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", errors.New("reset: account id is required")
	}
	ctx = s.forAccount(ctx, accountID)
	value, claims, err := s.signer.Sign(secure.PurposePasswordReset, accountID, "", s.ttl)
	if err != nil {
		return "", err
	}
	tok := Token{
		ID:        claims.ID,
		AccountID: accountID,
		TokenHash: secure.HashToken(value),
		IssuedAt:  claims.IssuedAtTime(),
		ExpiresAt: claims.ExpiresAtTime(),
	}
	if err := s.store.Replace(ctx, tok); err != nil {
		return "", err
	}
	s.record(ctx, audit.ActionResetIssued, accountID, audit.OutcomeSuccess, "")
	return value, nil
}

// Redeem consumes token and returns the account it was issued for. Exactly
// one concurrent caller wins; the rest see secure.ErrAlreadyConsumed.
func (s *Service) Redeem(ctx context.Context, token string) (string, error) {
	claims, err := s.signer.Verify(token, secure.PurposePasswordReset)
	if err != nil {
		s.record(ctx, audit.ActionResetRedeemed, "", audit.OutcomeFailure, secure.TokenReason(err))
		return "", err
	}
	ctx = s.forAccount(ctx, claims.Subject)
	tok := Token{
		ID:        claims.ID,
		AccountID: claims.Subject,
		TokenHash: secure.HashToken(strings.TrimSpace(token)),
		IssuedAt:  claims.IssuedAtTime(),
		ExpiresAt: claims.ExpiresAtTime(),
	}
	if err := s.store.Consume(ctx, tok, s.now().UTC()); err != nil {
		reason := secure.TokenReason(err)
		if errors.Is(err, secure.ErrAlreadyConsumed) {
			reason = "consumed"
		}
		if reason != "" {
			s.record(ctx, audit.ActionResetRedeemed, tok.AccountID, audit.OutcomeFailure, reason)
		}
		return "", err
	}
	obs.ObserveDecision("reset", "redeemed")
	return tok.AccountID, nil
}

// RequestReset starts the reset flow for email. The result and its duration
// do not depend on whether the address belongs to an account; only rate
// limiting and infrastructure failures surface as errors.
func (s *Service) RequestReset(ctx context.Context, email, ip string) error {
	started := time.Now()
	defer s.pad(ctx, started)

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil
	}
	if s.limiter != nil {
		if _, err := s.limiter.CheckAll(ctx, config.ScopeResetRequest, "email:"+email, "ip:"+strings.TrimSpace(ip)); err != nil {
			return err
		}
	}
	if s.accounts == nil {
		return errors.New("reset: account directory is not configured")
	}

	accountID, err := s.accounts.AccountIDByEmail(ctx, email)
	switch {
	case errors.Is(err, secure.ErrNotFound):
		// Same signing work as a real issue.
		_, _, _ = s.signer.Sign(secure.PurposePasswordReset, email, "", s.ttl)
		s.record(ctx, audit.ActionResetRequested, "", audit.OutcomeFailure, "unknown_account")
		return nil
	case err != nil:
		return err
	}

	ctx = s.forAccount(ctx, accountID)
	token, err := s.Issue(ctx, accountID)
	if err != nil {
		return err
	}
	s.record(ctx, audit.ActionResetRequested, accountID, audit.OutcomeSuccess, "")

	n := Notification{AccountID: accountID, Email: email, Token: token, ExpiresAt: s.now().Add(s.ttl)}
	go func(ctx context.Context) {
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.log.Error("password reset notification failed", zap.String("account_id", accountID), zap.Error(err))
		}
	}(context.WithoutCancel(ctx))
	return nil
}

// ConfirmReset redeems token, sets the new password and ends every session
// of the account.
func (s *Service) ConfirmReset(ctx context.Context, token, newPassword, ip string) error {
	if s.accounts == nil {
		return errors.New("reset: account directory is not configured")
	}
	accountID, err := s.Redeem(ctx, token)
	if err != nil {
		return err
	}
	ctx = s.forAccount(ctx, accountID)
	if err := s.accounts.SetPassword(ctx, accountID, newPassword); err != nil {
		return fmt.Errorf("reset: set password: %w", err)
	}
	if s.sessions != nil {
		if err := s.sessions.InvalidateAllForAccount(ctx, accountID, session.ReasonPasswordChange); err != nil {
			return fmt.Errorf("reset: invalidate sessions: %w", err)
		}
	}
	if s.audit != nil {
		_, err := s.audit.Record(ctx, audit.Event{
			Action:       audit.ActionResetRedeemed,
			ResourceType: "account",
			ResourceID:   accountID,
			After:        map[string]any{"password_changed": true},
			IP:           ip,
		})
		if err != nil {
			s.log.Error("password reset audit failed", zap.String("account_id", accountID), zap.Error(err))
		}
	}
	return nil
}

// forAccount attributes entries written on accountID's behalf to its
// organization.
func (s *Service) forAccount(ctx context.Context, accountID string) context.Context {
	if s.accounts == nil {
		return ctx
	}
	return audit.ForAccount(ctx, s.accounts, accountID)
}

// pad holds the request until the configured floor has elapsed.
func (s *Service) pad(ctx context.Context, started time.Time) {
	wait := s.floor - time.Since(started)
	if wait <= 0 {
		return
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (s *Service) record(ctx context.Context, action audit.Action, accountID string, outcome audit.Outcome, reason string) {
	if s.audit == nil {
		return
	}
	_, err := s.audit.Record(ctx, audit.Event{
		Action:        action,
		ResourceType:  "account",
		ResourceID:    accountID,
		Outcome:       outcome,
		FailureReason: reason,
	})
	if err != nil {
		s.log.Error("password reset audit failed", zap.String("action", string(action)), zap.Error(err))
	}
}
