package audit

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store for tests and dev.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry.Clone())
	return nil
}

func (m *Memory) Query(_ context.Context, orgID string, f Filter, p Page) ([]Entry, string, error) {
	p = p.Normalize()
	m.mu.RLock()
	matched := make([]Entry, 0)
	for _, e := range m.entries {
		if e.OrganizationID != orgID || !f.Matches(e) {
			continue
		}
		if p.Cursor != "" && e.ID >= p.Cursor {
			continue
		}
		matched = append(matched, e.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	next := ""
	if len(matched) > p.Limit {
		matched = matched[:p.Limit]
		next = matched[len(matched)-1].ID
	}
	return matched, next, nil
}
