package auth

import (
	"context"
	"sync"
	"time"

	"rosterline.org/internal/ids"
)

// Memory is an in-process Directory for tests and local development.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]Account
	byEmail  map[string]string
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]Account),
		byEmail:  make(map[string]string),
		now:      time.Now,
	}
}

func (m *Memory) CreateAccount(_ context.Context, a Account) (Account, error) {
	a.Email = NormalizeEmail(a.Email)
	if a.Email == "" || a.OrganizationID == "" {
		return Account{}, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[a.Email]; ok {
		return Account{}, ErrConflict
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	now := m.now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	m.accounts[a.ID] = a
	m.byEmail[a.Email] = a.ID
	return a, nil
}

func (m *Memory) FindAccount(_ context.Context, id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) FindAccountByEmail(ctx context.Context, email string) (Account, error) {
	m.mu.RLock()
	id, ok := m.byEmail[NormalizeEmail(email)]
	m.mu.RUnlock()
	if !ok {
		return Account{}, ErrNotFound
	}
	return m.FindAccount(ctx, id)
}

func (m *Memory) UpdatePasswordHash(_ context.Context, id, hash string) error {
	return m.update(id, func(a *Account) { a.PasswordHash = hash })
}

func (m *Memory) UpdateRole(_ context.Context, id, role string) error {
	return m.update(id, func(a *Account) { a.Role = role })
}

func (m *Memory) SetStatus(_ context.Context, id, status string) error {
	return m.update(id, func(a *Account) { a.Status = status })
}

func (m *Memory) update(id string, fn func(*Account)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	fn(&a)
	a.UpdatedAt = m.now().UTC()
	m.accounts[id] = a
	return nil
}
