package auth

import (
	"strings"
	"time"
)

// Account statuses.
const (
	StatusActive = "active"
	StatusLocked = "locked"
)

// Roles within an organization, most privileged first.
const (
	RoleOwner     = "owner"
	RoleAdmin     = "admin"
	RoleScheduler = "scheduler"
	RoleVolunteer = "volunteer"
)

var validRoles = map[string]struct{}{
	RoleOwner:     {},
	RoleAdmin:     {},
	RoleScheduler: {},
	RoleVolunteer: {},
}

// ValidRole reports whether role is one of the built-in roles.
func ValidRole(role string) bool {
	_, ok := validRoles[role]
	return ok
}

// Account is a member of one organization.
type Account struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Email          string    `json:"email"`
	PasswordHash   string    `json:"-"`
	Role           string    `json:"role"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Locked reports whether the account may not sign in.
func (a Account) Locked() bool { return a.Status == StatusLocked }

// NormalizeEmail is the canonical form used for lookups and rate-limit subjects.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
