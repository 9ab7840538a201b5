package auth

import "context"

// Directory persists accounts. Lookups of unknown accounts return ErrNotFound.
type Directory interface {
	CreateAccount(ctx context.Context, a Account) (Account, error)
	FindAccount(ctx context.Context, id string) (Account, error)
	FindAccountByEmail(ctx context.Context, email string) (Account, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	UpdateRole(ctx context.Context, id, role string) error
	SetStatus(ctx context.Context, id, status string) error
}
