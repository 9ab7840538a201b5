// Package session issues, tracks and invalidates authenticated sessions.
//
// Each account has an epoch counter in the counter store. A session records
// the epoch it was created under and is valid only while that epoch is
// current, so invalidating every session of an account is a single atomic
// increment.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"rosterline.org/internal/audit"
	"rosterline.org/internal/config"
	"rosterline.org/internal/counter"
	"rosterline.org/internal/obs"
	"rosterline.org/internal/secure"
)

// Reason names why every session of an account was invalidated.
type Reason string

const (
	ReasonPasswordChange   Reason = "password_change"
	ReasonPermissionChange Reason = "permission_change"
	ReasonLogoutAll        Reason = "logout_all"
	ReasonAccountLock      Reason = "account_lock"
	ReasonTOTPDisabled     Reason = "totp_disabled"
)

var reasonActions = map[Reason]audit.Action{
	ReasonPasswordChange:   audit.ActionSessionInvalidatedPasswordChange,
	ReasonPermissionChange: audit.ActionSessionInvalidatedPermissionChange,
	ReasonLogoutAll:        audit.ActionSessionInvalidatedLogoutAll,
	ReasonAccountLock:      audit.ActionSessionInvalidatedAccountLock,
	ReasonTOTPDisabled:     audit.ActionSessionInvalidatedTOTPDisabled,
}

// Message is the user-facing explanation shown when a session ends for r.
func (r Reason) Message() string {
	switch r {
	case ReasonPasswordChange:
		return "your session ended because your password changed"
	case ReasonPermissionChange:
		return "your session ended because your permissions changed"
	case ReasonAccountLock:
		return "your session ended because your account was locked"
	case ReasonTOTPDisabled:
		return "your session ended because two-factor authentication was disabled"
	case ReasonLogoutAll:
		return "you were signed out of all devices"
	}
	return "your session has ended"
}

// Metadata describes the client a session was created from.
type Metadata struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Device    string `json:"device,omitempty"`
}

// Session is one authenticated session. ID is only populated for the caller
// that holds it; listings carry the Handle instead.
type Session struct {
	ID             string    `json:"-"`
	Handle         string    `json:"handle"`
	AccountID      string    `json:"account_id"`
	OrganizationID string    `json:"organization_id"`
	Metadata       Metadata  `json:"metadata"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Epoch          int64     `json:"epoch"`
}

// Manager is safe for concurrent use.
type Manager struct {
	store       counter.Store
	audit       audit.Recorder
	now         func() time.Time
	log         *zap.Logger
	idleTTL     time.Duration
	maxLifetime time.Duration
}

// Option configures Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithLogger overrides the structured logger.
func WithLogger(z *zap.Logger) Option {
	return func(m *Manager) {
		if z != nil {
			m.log = z
		}
	}
}

// New constructs a Manager using the session lifetimes in sec.
func New(store counter.Store, sec config.Security, rec audit.Recorder, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		audit:       rec,
		now:         time.Now,
		log:         obs.Logger(),
		idleTTL:     sec.SessionTTL,
		maxLifetime: sec.SessionMaxLifetime,
	}
	if m.maxLifetime < m.idleTTL {
		m.maxLifetime = m.idleTTL
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func recordKey(handle string) string { return counter.Key("sess", "rec", handle) }
func indexKey(accountID string) string { return counter.Key("sess", "acct", accountID) }
func epochKey(accountID string) string { return counter.Key("sess", "epoch", accountID) }
func endedKey(handle string) string { return counter.Key("sess", "ended", handle) }
func handleFor(sessionID string) string { return secure.HashToken(sessionID) }

// Create issues a new session for accountID.
func (m *Manager) Create(ctx context.Context, accountID, orgID string, md Metadata) (Session, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Session{}, errors.New("session: account id is required")
	}
	epoch, err := m.epoch(ctx, accountID)
	if err != nil {
		return Session{}, err
	}
	id, err := secure.RandomToken(32)
	if err != nil {
		return Session{}, err
	}
	now := m.now().UTC()
	s := Session{
		ID:             id,
		Handle:         handleFor(id),
		AccountID:      accountID,
		OrganizationID: orgID,
		Metadata:       md,
		CreatedAt:      now,
		LastActivityAt: now,
		Epoch:          epoch,
	}
	data, err := json.Marshal(s)
	if err != nil {
		return Session{}, err
	}
	if err := m.store.Set(ctx, recordKey(s.Handle), string(data), m.idleTTL); err != nil {
		return Session{}, err
	}
	if err := m.store.SAdd(ctx, indexKey(accountID), m.maxLifetime, s.Handle); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Lookup returns the live session for id. Unknown, expired and invalidated
// sessions report secure.ErrSessionInvalid; store failures are returned as
// secure.ErrStorageUnavailable.
func (m *Manager) Lookup(ctx context.Context, id string) (Session, error) {
	if strings.TrimSpace(id) == "" {
		return Session{}, secure.ErrSessionInvalid
	}
	s, err := m.load(ctx, handleFor(id))
	if err != nil {
		return Session{}, err
	}
	s.ID = id
	return s, nil
}

// IsValid reports whether id names a live session. Any store failure counts
// as invalid.
func (m *Manager) IsValid(ctx context.Context, id string) bool {
	_, err := m.Lookup(ctx, id)
	if err != nil && !errors.Is(err, secure.ErrSessionInvalid) {
		m.log.Warn("session check failed closed", zap.Error(err))
	}
	return err == nil
}

// Touch records activity and slides the idle expiry, never past the hard
// maximum lifetime.
func (m *Manager) Touch(ctx context.Context, id string) (Session, error) {
	s, err := m.Lookup(ctx, id)
	if err != nil {
		return Session{}, err
	}
	now := m.now().UTC()
	ttl := m.idleTTL
	if remaining := s.CreatedAt.Add(m.maxLifetime).Sub(now); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return Session{}, secure.ErrSessionInvalid
	}
	s.LastActivityAt = now
	data, err := json.Marshal(s)
	if err != nil {
		return Session{}, err
	}
	ok, err := m.store.Replace(ctx, recordKey(s.Handle), string(data), ttl)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, secure.ErrSessionInvalid
	}
	return s, nil
}

// InvalidateSession ends exactly one session.
func (m *Manager) InvalidateSession(ctx context.Context, id string) error {
	return m.InvalidateHandle(ctx, handleFor(id))
}

// InvalidateHandle ends the session identified by handle, as listed by
// ListActive.
func (m *Manager) InvalidateHandle(ctx context.Context, handle string) error {
	raw, err := m.store.Get(ctx, recordKey(handle))
	if errors.Is(err, counter.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.store.Del(ctx, recordKey(handle)); err != nil {
		return err
	}
	var s Session
	if json.Unmarshal([]byte(raw), &s) == nil && s.AccountID != "" {
		if err := m.store.SRem(ctx, indexKey(s.AccountID), handle); err != nil {
			m.log.Warn("session index cleanup failed", zap.Error(err))
		}
	}
	return nil
}

// InvalidateAllForAccount ends every session of accountID. Once it returns,
// no session of the account validates; the epoch increment is the only step
// that matters for that, record cleanup afterwards is best effort.
func (m *Manager) InvalidateAllForAccount(ctx context.Context, accountID string, reason Reason) error {
	action, ok := reasonActions[reason]
	if !ok {
		return fmt.Errorf("session: unknown invalidation reason %q", reason)
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return errors.New("session: account id is required")
	}
	epoch, err := m.store.Incr(ctx, epochKey(accountID), 0)
	if err != nil {
		return err
	}

	removed := 0
	orgID := ""
	handles, err := m.store.SMembers(ctx, indexKey(accountID))
	if err == nil && len(handles) > 0 {
		orgID = m.organizationOf(ctx, handles)
		keys := make([]string, 0, len(handles)+1)
		for _, h := range handles {
			keys = append(keys, recordKey(h))
		}
		keys = append(keys, indexKey(accountID))
		err = m.store.Del(ctx, keys...)
		removed = len(handles)
		for _, h := range handles {
			if terr := m.store.Set(ctx, endedKey(h), string(reason), m.idleTTL); terr != nil {
				m.log.Debug("session tombstone failed", zap.Error(terr))
				break
			}
		}
	}
	if err != nil {
		m.log.Warn("session cleanup after invalidation failed",
			zap.String("account_id", accountID), zap.Error(err))
	}

	if m.audit != nil {
		_, auditErr := m.audit.Record(ctx, audit.Event{
			OrganizationID: orgID,
			Action:         action,
			ResourceType:   "account",
			ResourceID:     accountID,
			After:          map[string]any{"epoch": epoch, "sessions": removed, "reason": string(reason)},
		})
		if auditErr != nil {
			m.log.Error("session invalidation audit failed", zap.String("account_id", accountID), zap.Error(auditErr))
		}
	}
	obs.ObserveDecision("session", "invalidated_all")
	return nil
}

// organizationOf reads the organization from the first session record that
// still decodes. Empty when none does.
func (m *Manager) organizationOf(ctx context.Context, handles []string) string {
	for _, h := range handles {
		raw, err := m.store.Get(ctx, recordKey(h))
		if err != nil {
			continue
		}
		var s Session
		if json.Unmarshal([]byte(raw), &s) == nil && s.OrganizationID != "" {
			return s.OrganizationID
		}
	}
	return ""
}

// EndedReason reports why the session id was ended by an account-wide
// invalidation, or "" when that is unknown.
func (m *Manager) EndedReason(ctx context.Context, id string) Reason {
	if strings.TrimSpace(id) == "" {
		return ""
	}
	raw, err := m.store.Get(ctx, endedKey(handleFor(id)))
	if err != nil {
		return ""
	}
	return Reason(raw)
}

// ListActive returns the account's live sessions, most recently active first.
func (m *Manager) ListActive(ctx context.Context, accountID string) ([]Session, error) {
	handles, err := m.store.SMembers(ctx, indexKey(accountID))
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(handles))
	var stale []string
	for _, h := range handles {
		s, err := m.load(ctx, h)
		switch {
		case err == nil:
			out = append(out, s)
		case errors.Is(err, secure.ErrSessionInvalid):
			stale = append(stale, h)
		default:
			return nil, err
		}
	}
	if len(stale) > 0 {
		if err := m.store.SRem(ctx, indexKey(accountID), stale...); err != nil {
			m.log.Debug("session index prune failed", zap.Error(err))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

func (m *Manager) load(ctx context.Context, handle string) (Session, error) {
	raw, err := m.store.Get(ctx, recordKey(handle))
	if errors.Is(err, counter.ErrNotFound) {
		return Session{}, secure.ErrSessionInvalid
	}
	if err != nil {
		return Session{}, secure.Unavailable("session load", err)
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Session{}, secure.ErrSessionInvalid
	}
	if !m.now().Before(s.CreatedAt.Add(m.maxLifetime)) {
		return Session{}, secure.ErrSessionInvalid
	}
	epoch, err := m.epoch(ctx, s.AccountID)
	if err != nil {
		return Session{}, err
	}
	if epoch != s.Epoch {
		return Session{}, secure.ErrSessionInvalid
	}
	return s, nil
}

func (m *Manager) epoch(ctx context.Context, accountID string) (int64, error) {
	raw, err := m.store.Get(ctx, epochKey(accountID))
	if errors.Is(err, counter.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, secure.Unavailable("session epoch", err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("session: corrupt epoch for %s: %w", accountID, err)
	}
	return n, nil
}
