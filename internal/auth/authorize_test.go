package auth

import (
	"errors"
	"testing"
)

func TestPrincipalRoles(t *testing.T) {
	owner := Principal{Role: RoleOwner}
	admin := Principal{Role: RoleAdmin}
	volunteer := Principal{Role: RoleVolunteer}

	if !owner.HasRole(RoleAdmin) || !admin.HasRole(RoleAdmin) {
		t.Fatalf("owners and admins must pass admin checks")
	}
	if volunteer.HasRole(RoleAdmin, RoleScheduler) {
		t.Fatalf("unexpected role")
	}
	if !volunteer.HasRole(RoleScheduler, RoleVolunteer) {
		t.Fatalf("expected role")
	}
}

func TestValidatePassword(t *testing.T) {
	cases := []struct {
		pw string
		ok bool
	}{
		{"NewSecure123!", true},
		{"short1", false},
		{"onlyletterspassword", false},
		{"12345678901234", false},
		{string(make([]byte, 80)), false},
	}
	for _, tc := range cases {
		err := ValidatePassword(tc.pw)
		if tc.ok && err != nil {
			t.Fatalf("%q: unexpected error %v", tc.pw, err)
		}
		if !tc.ok && !errors.Is(err, ErrWeakPassword) {
			t.Fatalf("%q: expected ErrWeakPassword, got %v", tc.pw, err)
		}
	}
}
