package secure

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by every component of the security core. Validation
// failures are returned as values; callers branch with errors.Is / errors.As.
var (
	ErrRateLimited           = errors.New("rate limited")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	ErrAlreadyConsumed       = errors.New("token already consumed")
	ErrSessionInvalid        = errors.New("session invalid")
	ErrCredentialMismatch    = errors.New("credential mismatch")
	ErrAccountLocked         = errors.New("account locked")
	ErrStorageUnavailable    = errors.New("storage unavailable")
	ErrNotFound              = errors.New("not found")
)

// Token rejection reasons reported through TokenError.
const (
	ReasonMalformed       = "malformed"
	ReasonSignature       = "signature"
	ReasonExpired         = "expired"
	ReasonSessionMismatch = "session_mismatch"
	ReasonSuperseded      = "superseded"
	ReasonPurpose         = "purpose"
)

// ErrSessionMismatch is returned when a token is presented by a session it was not issued to.
var ErrSessionMismatch = &TokenError{Reason: ReasonSessionMismatch}

// TokenError is an ErrInvalidOrExpiredToken carrying the first failed check.
type TokenError struct {
	Reason string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidOrExpiredToken.Error(), e.Reason)
}

func (e *TokenError) Is(target error) bool {
	if target == ErrInvalidOrExpiredToken {
		return true
	}
	t, ok := target.(*TokenError)
	return ok && t.Reason == e.Reason
}

// InvalidToken builds a TokenError for reason.
func InvalidToken(reason string) error {
	return &TokenError{Reason: reason}
}

// TokenReason extracts the rejection reason, or "" when err is not a token error.
func TokenReason(err error) string {
	var te *TokenError
	if errors.As(err, &te) {
		return te.Reason
	}
	return ""
}

// RateLimitError reports a rejected attempt and when the subject may retry.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited.Error(), e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfter returns the wait carried by a RateLimitError in err's chain.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// Unavailable wraps an infrastructure failure as ErrStorageUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}
