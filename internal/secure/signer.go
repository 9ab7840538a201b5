package secure

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const minSigningKeyLen = 32

// Token purposes. A token signed for one purpose never verifies for another.
const (
	PurposeCSRF          = "csrf"
	PurposePasswordReset = "password_reset"
)

// Claims carried by every signed, time-limited token.
type Claims struct {
	Purpose string `json:"pur"`
	// Binding ties the token to a context such as a session fingerprint.
	Binding string `json:"bnd,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HMAC-SHA256 signed, time-limited tokens.
type Signer struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithSignerClock overrides the time source used for issuance and expiry.
func WithSignerClock(fn func() time.Time) SignerOption {
	return func(s *Signer) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSigner builds a Signer. The key must carry at least 256 bits.
func NewSigner(key []byte, issuer string, opts ...SignerOption) (*Signer, error) {
	if len(key) < minSigningKeyLen {
		return nil, fmt.Errorf("signing key must be at least %d bytes", minSigningKeyLen)
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	s := &Signer{
		key:    append([]byte(nil), key...),
		issuer: issuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign mints a token for purpose. The returned claims carry the generated token id.
func (s *Signer) Sign(purpose, subject, binding string, ttl time.Duration) (string, Claims, error) {
	if purpose == "" {
		return "", Claims{}, errors.New("purpose is required")
	}
	if ttl <= 0 {
		return "", Claims{}, errors.New("ttl must be greater than zero")
	}
	now := s.now().UTC()
	claims := Claims{
		Purpose: purpose,
		Binding: binding,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify checks signature integrity first, then expiry, then purpose. The
// first failing check is reported as a *TokenError.
func (s *Signer) Verify(token, purpose string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, InvalidToken(ReasonMalformed)
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, classify(err)
	}
	if claims.Purpose != purpose {
		return nil, InvalidToken(ReasonPurpose)
	}
	if claims.ID == "" {
		return nil, InvalidToken(ReasonMalformed)
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return InvalidToken(ReasonMalformed)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrSignatureInvalid):
		return InvalidToken(ReasonSignature)
	case errors.Is(err, jwt.ErrTokenExpired):
		return InvalidToken(ReasonExpired)
	default:
		return InvalidToken(ReasonMalformed)
	}
}

// ExpiresAtTime returns the expiry carried by c, or the zero time.
func (c *Claims) ExpiresAtTime() time.Time {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// IssuedAtTime returns the issuance time carried by c, or the zero time.
func (c *Claims) IssuedAtTime() time.Time {
	if c == nil || c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}
