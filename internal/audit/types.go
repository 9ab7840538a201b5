package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// SystemOrganization scopes entries that belong to no tenant, such as rate
// limit lockouts raised before identity is known.
const SystemOrganization = "system"

var (
	ErrInvalidEvent = errors.New("audit: invalid event")
	ErrInvalidQuery = errors.New("audit: invalid query")
)

// Outcome of the audited decision.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Action is the closed set of audited action types.
type Action string

const (
	ActionRateLimitLockout  Action = "rate_limit.lockout"
	ActionRateLimitExceeded Action = "rate_limit.exceeded"

	ActionSessionInvalidatedPasswordChange   Action = "session.invalidated_on_password_change"
	ActionSessionInvalidatedPermissionChange Action = "session.invalidated_on_permission_change"
	ActionSessionInvalidatedLogoutAll        Action = "session.invalidated_on_logout_all"
	ActionSessionInvalidatedAccountLock      Action = "session.invalidated_on_account_lock"
	ActionSessionInvalidatedTOTPDisabled     Action = "session.invalidated_on_totp_disabled"

	ActionCSRFRejected Action = "csrf.rejected"

	ActionTOTPEnrolled     Action = "totp.enrolled"
	ActionTOTPEnabled      Action = "totp.enabled"
	ActionTOTPVerified     Action = "totp.verified"
	ActionTOTPRecoveryUsed Action = "totp.recovery_code_used"
	ActionTOTPDisabled     Action = "totp.disabled"

	ActionResetRequested Action = "password_reset.requested"
	ActionResetIssued    Action = "password_reset.issued"
	ActionResetRedeemed  Action = "password_reset.redeemed"

	ActionLogin           Action = "auth.login"
	ActionLogout          Action = "auth.logout"
	ActionPasswordChanged Action = "account.password_changed"
	ActionRoleChanged     Action = "account.role_changed"
	ActionAccountLocked   Action = "account.locked"
	ActionResourceDeleted Action = "resource.deleted"
)

var knownActions = map[Action]struct{}{
	ActionRateLimitLockout: {}, ActionRateLimitExceeded: {},
	ActionSessionInvalidatedPasswordChange: {}, ActionSessionInvalidatedPermissionChange: {},
	ActionSessionInvalidatedLogoutAll: {}, ActionSessionInvalidatedAccountLock: {},
	ActionSessionInvalidatedTOTPDisabled: {},
	ActionCSRFRejected: {},
	ActionTOTPEnrolled: {}, ActionTOTPEnabled: {}, ActionTOTPVerified: {},
	ActionTOTPRecoveryUsed: {}, ActionTOTPDisabled: {},
	ActionResetRequested: {}, ActionResetIssued: {}, ActionResetRedeemed: {},
	ActionLogin: {}, ActionLogout: {}, ActionPasswordChanged: {},
	ActionRoleChanged: {}, ActionAccountLocked: {}, ActionResourceDeleted: {},
}

// Valid reports whether a is one of the known action types.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// ExternalAction reports whether collaborators outside the core may report a.
func ExternalAction(a Action) bool {
	switch a {
	case ActionRoleChanged, ActionResourceDeleted, ActionAccountLocked:
		return true
	}
	return false
}

// Event is what callers hand to Record. Empty actor, organization and request
// fields are filled from the context.
type Event struct {
	OrganizationID string
	ActorID        string
	Action         Action
	ResourceType   string
	ResourceID     string
	Before         map[string]any
	After          map[string]any
	Outcome        Outcome
	FailureReason  string
	IP             string
	UserAgent      string
}

// Entry is one persisted, immutable audit record.
type Entry struct {
	ID             string          `json:"id"`
	OccurredAt     time.Time       `json:"occurred_at"`
	OrganizationID string          `json:"organization_id"`
	ActorID        string          `json:"actor_id,omitempty"`
	Action         Action          `json:"action"`
	ResourceType   string          `json:"resource_type,omitempty"`
	ResourceID     string          `json:"resource_id,omitempty"`
	Before         json.RawMessage `json:"before,omitempty"`
	After          json.RawMessage `json:"after,omitempty"`
	Outcome        Outcome         `json:"outcome"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	IP             string          `json:"ip,omitempty"`
	UserAgent      string          `json:"user_agent,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	TraceID        string          `json:"trace_id,omitempty"`
}

// Clone returns a copy sharing no byte slices with e.
func (e Entry) Clone() Entry {
	e.Before = cloneRaw(e.Before)
	e.After = cloneRaw(e.After)
	return e
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

// Filter narrows a query. Zero fields match everything.
type Filter struct {
	ActorID      string
	Action       Action
	ResourceType string
	ResourceID   string
	Since        time.Time
	Until        time.Time
}

// Matches reports whether e satisfies f.
func (f Filter) Matches(e Entry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.OccurredAt.Before(f.Until) {
		return false
	}
	return true
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Page requests entries older than Cursor, newest first.
type Page struct {
	Limit  int
	Cursor string
}

// Normalize clamps the page size.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

// Appender is the only write path to the audit trail. Entries are never
// updated or deleted through it.
type Appender interface {
	Append(ctx context.Context, entry Entry) error
}

// Reader returns entries of one organization. The returned cursor is empty
// when there are no further pages.
type Reader interface {
	Query(ctx context.Context, orgID string, f Filter, p Page) ([]Entry, string, error)
}

// Store is a durable audit backend.
type Store interface {
	Appender
	Reader
}

// Recorder is the dependency the security components take.
type Recorder interface {
	Record(ctx context.Context, ev Event) (string, error)
}
