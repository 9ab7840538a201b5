package auth

// Principal is the authenticated caller of a request.
type Principal struct {
	AccountID      string
	OrganizationID string
	Email          string
	Role           string
	SessionID      string
	SessionHandle  string
}

// HasRole reports whether the principal holds any of roles. Owners pass
// every admin check.
func (p Principal) HasRole(roles ...string) bool {
	for _, r := range roles {
		if p.Role == r {
			return true
		}
		if r == RoleAdmin && p.Role == RoleOwner {
			return true
		}
	}
	return false
}
