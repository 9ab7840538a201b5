package totp

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotEnrolled    = errors.New("totp: not enrolled")
	ErrAlreadyEnabled = errors.New("totp: already enabled")
)

// RecoveryCodeCount is the fixed number of recovery codes per credential.
const RecoveryCodeCount = 10

// Method names how a verification succeeded.
type Method string

const (
	MethodTOTP     Method = "totp"
	MethodRecovery Method = "recovery_code"
)

// RecoveryCode is a one-way hash of a single-use code.
type RecoveryCode struct {
	Hash   string
	UsedAt *time.Time
}

// Credential is the stored second factor of one account. Secret is sealed and
// never leaves the package in plaintext after enrollment.
type Credential struct {
	AccountID     string
	Secret        []byte
	Enabled       bool
	CreatedAt     time.Time
	EnabledAt     *time.Time
	RecoveryCodes []RecoveryCode
}

// Remaining counts unused recovery codes.
func (c Credential) Remaining() int {
	n := 0
	for _, rc := range c.RecoveryCodes {
		if rc.UsedAt == nil {
			n++
		}
	}
	return n
}

// Enrollment is returned exactly once, when a credential is created.
type Enrollment struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	RecoveryCodes   []string `json:"recovery_codes"`
}

// VerifyResult describes a successful verification.
type VerifyResult struct {
	Method                 Method `json:"method"`
	RecoveryCodesRemaining int    `json:"recovery_codes_remaining"`
	SuggestReenroll        bool   `json:"suggest_reenroll"`
}

// Status is the read-only view of an account's second factor.
type Status struct {
	Enabled                bool       `json:"enabled"`
	Pending                bool       `json:"pending"`
	EnrolledAt             *time.Time `json:"enrolled_at,omitempty"`
	RecoveryCodesRemaining int        `json:"recovery_codes_remaining"`
}

// Store persists credentials. Implementations make each method atomic.
type Store interface {
	// Get returns ErrNotEnrolled when the account has no credential.
	Get(ctx context.Context, accountID string) (Credential, error)
	// SavePending replaces any pending credential; it fails with
	// ErrAlreadyEnabled when an enabled one exists.
	SavePending(ctx context.Context, c Credential) error
	// Enable flips a pending credential to enabled and reports whether it did.
	Enable(ctx context.Context, accountID string, at time.Time) (bool, error)
	// ConsumeRecoveryCode marks code index used if it is unused and reports
	// whether this call did so.
	ConsumeRecoveryCode(ctx context.Context, accountID string, index int, at time.Time) (bool, error)
	Delete(ctx context.Context, accountID string) error
}
