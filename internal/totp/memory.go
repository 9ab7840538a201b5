package totp

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu    sync.Mutex
	creds map[string]Credential
}

func NewMemory() *Memory {
	return &Memory{creds: make(map[string]Credential)}
}

func (m *Memory) Get(_ context.Context, accountID string) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[accountID]
	if !ok {
		return Credential{}, ErrNotEnrolled
	}
	return cloneCredential(c), nil
}

func (m *Memory) SavePending(_ context.Context, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.creds[c.AccountID]; ok && cur.Enabled {
		return ErrAlreadyEnabled
	}
	c.Enabled = false
	c.EnabledAt = nil
	m.creds[c.AccountID] = cloneCredential(c)
	return nil
}

func (m *Memory) Enable(_ context.Context, accountID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[accountID]
	if !ok || c.Enabled {
		return false, nil
	}
	c.Enabled = true
	c.EnabledAt = &at
	m.creds[accountID] = c
	return true, nil
}

func (m *Memory) ConsumeRecoveryCode(_ context.Context, accountID string, index int, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[accountID]
	if !ok || !c.Enabled || index < 0 || index >= len(c.RecoveryCodes) {
		return false, nil
	}
	if c.RecoveryCodes[index].UsedAt != nil {
		return false, nil
	}
	c.RecoveryCodes[index].UsedAt = &at
	return true, nil
}

func (m *Memory) Delete(_ context.Context, accountID string) error {
	m.mu.Lock()
	delete(m.creds, accountID)
	m.mu.Unlock()
	return nil
}

func cloneCredential(c Credential) Credential {
	out := c
	out.Secret = append([]byte(nil), c.Secret...)
	if c.EnabledAt != nil {
		t := *c.EnabledAt
		out.EnabledAt = &t
	}
	out.RecoveryCodes = make([]RecoveryCode, len(c.RecoveryCodes))
	for i, rc := range c.RecoveryCodes {
		out.RecoveryCodes[i] = RecoveryCode{Hash: rc.Hash}
		if rc.UsedAt != nil {
			t := *rc.UsedAt
			out.RecoveryCodes[i].UsedAt = &t
		}
	}
	return out
}
