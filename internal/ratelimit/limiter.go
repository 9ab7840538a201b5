// Package ratelimit enforces fixed-window attempt quotas per (scope, subject)
// on top of the shared counter store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rosterline.org/internal/audit"
	"rosterline.org/internal/config"
	"rosterline.org/internal/counter"
	"rosterline.org/internal/obs"
	"rosterline.org/internal/secure"
)

// ErrInvalidScope is returned for scopes outside the closed set.
var ErrInvalidScope = errors.New("ratelimit: unknown scope")

const keyNamespace = "rl"

// Policy is the quota applied to one scope.
type Policy struct {
	Limit  int
	Window time.Duration
	// Lockout, when set, blocks the subject for this long once the limit is
	// exceeded. Without it the subject waits for the window to end.
	Lockout  time.Duration
	FailOpen bool
	Combine  string
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}

// Policies derives the per-scope policies from the security configuration.
func Policies(s config.Security) map[string]Policy {
	mk := func(scope string, limit int, window, lockout time.Duration) Policy {
		return Policy{
			Limit:    limit,
			Window:   window,
			Lockout:  lockout,
			FailOpen: s.IsFailOpen(scope),
			Combine:  s.CombineMode(scope),
		}
	}
	return map[string]Policy{
		config.ScopeLogin:        mk(config.ScopeLogin, s.LoginLimit, s.LoginWindow, s.LoginLockout),
		config.ScopeResetRequest: mk(config.ScopeResetRequest, s.ResetLimit, s.ResetWindow, 0),
		config.ScopeTOTP:         mk(config.ScopeTOTP, s.TOTPLimit, s.TOTPWindow, s.TOTPLockout),
		config.ScopeCSRFIssue:    mk(config.ScopeCSRFIssue, s.CSRFIssueLimit, s.CSRFIssueWindow, 0),
		config.ScopeGeneric:      mk(config.ScopeGeneric, s.GenericLimit, s.GenericWindow, 0),
	}
}

// Limiter is safe for concurrent use. It holds no in-process state about
// subjects; every decision is made against the counter store.
type Limiter struct {
	store    counter.Store
	policies map[string]Policy
	audit    audit.Recorder
	now      func() time.Time
	log      *zap.Logger
	degraded rate.Sometimes
}

// Option configures Limiter.
type Option func(*Limiter)

// WithClock overrides the time source used for audit timestamps.
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithLogger overrides the structured logger.
func WithLogger(z *zap.Logger) Option {
	return func(l *Limiter) {
		if z != nil {
			l.log = z
		}
	}
}

// New constructs a Limiter with policies derived from sec.
func New(store counter.Store, sec config.Security, rec audit.Recorder, opts ...Option) *Limiter {
	l := &Limiter{
		store:    store,
		policies: Policies(sec),
		audit:    rec,
		now:      time.Now,
		log:      obs.Logger(),
		degraded: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the configured policy for scope.
func (l *Limiter) Policy(scope string) (Policy, error) {
	p, ok := l.policies[scope]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	return p, nil
}

// Check counts one attempt by subject against scope's configured policy.
// A blocked attempt returns a *secure.RateLimitError alongside the decision.
func (l *Limiter) Check(ctx context.Context, scope, subject string) (Decision, error) {
	p, err := l.Policy(scope)
	if err != nil {
		return Decision{}, err
	}
	return l.CheckAndIncrement(ctx, scope, subject, p)
}

// CheckAll checks every non-empty subject and combines the results with the
// scope's Combine mode: "all" requires every subject to pass, "any" requires
// one.
func (l *Limiter) CheckAll(ctx context.Context, scope string, subjects ...string) (Decision, error) {
	p, err := l.Policy(scope)
	if err != nil {
		return Decision{}, err
	}
	return l.each(p, subjects, func(subject string) (Decision, error) {
		return l.CheckAndIncrement(ctx, scope, subject, p)
	})
}

// Blocked reports whether subjects are barred from scope right now without
// counting an attempt. Flows that only count failures, like sign-in, call it
// before checking credentials and RecordFailure afterwards.
func (l *Limiter) Blocked(ctx context.Context, scope string, subjects ...string) (Decision, error) {
	p, err := l.Policy(scope)
	if err != nil {
		return Decision{}, err
	}
	return l.each(p, subjects, func(subject string) (Decision, error) {
		wait, err := l.blockedFor(ctx, scope, subject, p)
		if err != nil {
			return l.unavailable(scope, p, err)
		}
		if wait > 0 {
			return l.block(wait)
		}
		return Decision{Allowed: true, Remaining: p.Limit}, nil
	})
}

// RecordFailure counts one failed attempt against every subject. The failure
// that reaches the limit starts the lockout, so the next Blocked call refuses.
// The returned error is a *secure.RateLimitError once the subjects are barred.
func (l *Limiter) RecordFailure(ctx context.Context, scope string, subjects ...string) (Decision, error) {
	p, err := l.Policy(scope)
	if err != nil {
		return Decision{}, err
	}
	return l.each(p, subjects, func(subject string) (Decision, error) {
		return l.fail(ctx, scope, subject, p)
	})
}

// each runs fn for every non-empty subject and combines the results with the
// scope's Combine mode: "all" requires every subject to pass, "any" requires
// one.
func (l *Limiter) each(p Policy, subjects []string, fn func(subject string) (Decision, error)) (Decision, error) {
	var (
		checked   int
		allowed   []Decision
		blocked   []Decision
		remaining = p.Limit
	)
	for _, subject := range subjects {
		if strings.TrimSpace(subject) == "" {
			continue
		}
		checked++
		d, err := fn(subject)
		if err != nil && !errors.Is(err, secure.ErrRateLimited) {
			return Decision{}, err
		}
		if d.Allowed {
			allowed = append(allowed, d)
			if d.Remaining < remaining {
				remaining = d.Remaining
			}
		} else {
			blocked = append(blocked, d)
		}
	}
	if checked == 0 {
		return Decision{}, errors.New("ratelimit: at least one subject is required")
	}

	pass := len(blocked) == 0
	if p.Combine == config.CombineAny {
		pass = len(allowed) > 0
	}
	if pass {
		return Decision{Allowed: true, Remaining: remaining}, nil
	}

	// "all" waits for the slowest subject; "any" for the first to free up.
	wait := blocked[0].RetryAfter
	for _, d := range blocked[1:] {
		if p.Combine == config.CombineAny && d.RetryAfter < wait {
			wait = d.RetryAfter
		}
		if p.Combine != config.CombineAny && d.RetryAfter > wait {
			wait = d.RetryAfter
		}
	}
	return Decision{RetryAfter: wait}, &secure.RateLimitError{RetryAfter: wait}
}

// CheckAndIncrement is the raw fixed-window contract.
//
// An active lockout rejects without counting. Otherwise the window counter is
// incremented atomically; the attempt that first exceeds the limit wins the
// set-if-absent on the lock key and is the only one to emit the lockout
// audit entry.
func (l *Limiter) CheckAndIncrement(ctx context.Context, scope, subject string, p Policy) (Decision, error) {
	if p.Limit <= 0 || p.Window <= 0 {
		return Decision{}, fmt.Errorf("ratelimit: invalid policy for %s", scope)
	}
	base := counter.SubjectKey(keyNamespace, scope, subject)
	lockKey := base + ":lock"
	cntKey := base + ":cnt"

	if p.Lockout > 0 {
		ttl, err := l.store.TTL(ctx, lockKey)
		switch {
		case err == nil:
			return l.block(lockWait(ttl, p.Lockout))
		case !errors.Is(err, counter.ErrNotFound):
			return l.unavailable(scope, p, err)
		}
	}

	n, err := l.store.Incr(ctx, cntKey, p.Window)
	if err != nil {
		return l.unavailable(scope, p, err)
	}
	if n <= int64(p.Limit) {
		obs.ObserveDecision("ratelimit", "allowed")
		return Decision{Allowed: true, Remaining: p.Limit - int(n)}, nil
	}

	if p.Lockout <= 0 {
		ttl, err := l.store.TTL(ctx, cntKey)
		if err != nil && !errors.Is(err, counter.ErrNotFound) {
			return l.unavailable(scope, p, err)
		}
		if n == int64(p.Limit)+1 {
			l.record(ctx, audit.ActionRateLimitExceeded, scope, subject, n, 0)
		}
		return l.block(lockWait(ttl, p.Window))
	}

	won, err := l.store.SetNX(ctx, lockKey, strconv.FormatInt(l.now().Unix(), 10), p.Lockout)
	if err != nil {
		return l.unavailable(scope, p, err)
	}
	if !won {
		ttl, err := l.store.TTL(ctx, lockKey)
		if err != nil && !errors.Is(err, counter.ErrNotFound) {
			return l.unavailable(scope, p, err)
		}
		return l.block(lockWait(ttl, p.Lockout))
	}

	// The window restarts when the lockout ends, so the counter must not
	// outlive the lock.
	if p.Lockout < p.Window {
		if _, err := l.store.Replace(ctx, cntKey, strconv.FormatInt(n, 10), p.Lockout); err != nil {
			l.log.Warn("rate limit counter shorten failed", zap.String("scope", scope), zap.Error(err))
		}
	}
	obs.RecordLockout(scope)
	l.record(ctx, audit.ActionRateLimitLockout, scope, subject, n, p.Lockout)
	return l.block(p.Lockout)
}

// Reset clears the subject's window, used after a successful authentication.
// An active lockout is left in place.
func (l *Limiter) Reset(ctx context.Context, scope, subject string) error {
	if _, err := l.Policy(scope); err != nil {
		return err
	}
	return l.store.Del(ctx, counter.SubjectKey(keyNamespace, scope, subject)+":cnt")
}

// blockedFor returns how long subject must still wait, zero when it may try.
func (l *Limiter) blockedFor(ctx context.Context, scope, subject string, p Policy) (time.Duration, error) {
	base := counter.SubjectKey(keyNamespace, scope, subject)
	if p.Lockout > 0 {
		ttl, err := l.store.TTL(ctx, base+":lock")
		switch {
		case err == nil:
			return lockWait(ttl, p.Lockout), nil
		case errors.Is(err, counter.ErrNotFound):
			return 0, nil
		default:
			return 0, err
		}
	}
	raw, err := l.store.Get(ctx, base+":cnt")
	if errors.Is(err, counter.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < int64(p.Limit) {
		return 0, nil
	}
	ttl, err := l.store.TTL(ctx, base+":cnt")
	if err != nil && !errors.Is(err, counter.ErrNotFound) {
		return 0, err
	}
	return lockWait(ttl, p.Window), nil
}

// fail counts one failure for subject; reaching the limit bars it.
func (l *Limiter) fail(ctx context.Context, scope, subject string, p Policy) (Decision, error) {
	if p.Limit <= 0 || p.Window <= 0 {
		return Decision{}, fmt.Errorf("ratelimit: invalid policy for %s", scope)
	}
	base := counter.SubjectKey(keyNamespace, scope, subject)
	lockKey := base + ":lock"
	cntKey := base + ":cnt"

	n, err := l.store.Incr(ctx, cntKey, p.Window)
	if err != nil {
		return l.unavailable(scope, p, err)
	}
	if n < int64(p.Limit) {
		return Decision{Allowed: true, Remaining: p.Limit - int(n)}, nil
	}

	if p.Lockout <= 0 {
		ttl, err := l.store.TTL(ctx, cntKey)
		if err != nil && !errors.Is(err, counter.ErrNotFound) {
			return l.unavailable(scope, p, err)
		}
		if n == int64(p.Limit) {
			l.record(ctx, audit.ActionRateLimitExceeded, scope, subject, n, 0)
		}
		return l.block(lockWait(ttl, p.Window))
	}

	won, err := l.store.SetNX(ctx, lockKey, strconv.FormatInt(l.now().Unix(), 10), p.Lockout)
	if err != nil {
		return l.unavailable(scope, p, err)
	}
	if !won {
		ttl, err := l.store.TTL(ctx, lockKey)
		if err != nil && !errors.Is(err, counter.ErrNotFound) {
			return l.unavailable(scope, p, err)
		}
		return l.block(lockWait(ttl, p.Lockout))
	}
	// Locked attempts are not counted; the window starts over when the lock ends.
	if err := l.store.Del(ctx, cntKey); err != nil {
		l.log.Warn("rate limit counter reset failed", zap.String("scope", scope), zap.Error(err))
	}
	obs.RecordLockout(scope)
	l.record(ctx, audit.ActionRateLimitLockout, scope, subject, n, p.Lockout)
	return l.block(p.Lockout)
}

func (l *Limiter) block(wait time.Duration) (Decision, error) {
	obs.ObserveDecision("ratelimit", "blocked")
	wait = wait.Round(time.Second)
	if wait < time.Second {
		wait = time.Second
	}
	return Decision{RetryAfter: wait}, &secure.RateLimitError{RetryAfter: wait}
}

func (l *Limiter) unavailable(scope string, p Policy, err error) (Decision, error) {
	if p.FailOpen {
		l.degraded.Do(func() {
			l.log.Warn("rate limiter degraded, failing open",
				zap.String("scope", scope), zap.Error(err))
		})
		obs.ObserveDecision("ratelimit", "fail_open")
		return Decision{Allowed: true, Remaining: p.Limit}, nil
	}
	l.degraded.Do(func() {
		l.log.Error("rate limiter degraded, failing closed",
			zap.String("scope", scope), zap.Error(err))
	})
	obs.ObserveDecision("ratelimit", "fail_closed")
	return Decision{}, secure.Unavailable("ratelimit "+scope, err)
}

func (l *Limiter) record(ctx context.Context, action audit.Action, scope, subject string, count int64, lockout time.Duration) {
	if l.audit == nil {
		return
	}
	after := map[string]any{"scope": scope, "subject": subject, "count": count}
	if lockout > 0 {
		after["lockout_until"] = l.now().Add(lockout).UTC().Format(time.RFC3339)
	}
	_, err := l.audit.Record(ctx, audit.Event{
		Action:        action,
		ResourceType:  "rate_limit",
		ResourceID:    scope,
		After:         after,
		Outcome:       audit.OutcomeFailure,
		FailureReason: "too_many_attempts",
	})
	if err != nil {
		l.log.Error("rate limit audit failed", zap.String("scope", scope), zap.Error(err))
	}
}

func lockWait(ttl, fallback time.Duration) time.Duration {
	if ttl <= 0 {
		return fallback
	}
	return ttl
}
