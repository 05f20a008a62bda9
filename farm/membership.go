package farm

import (
	"context"
	"sync"
)

// Membership hides and restores one destination directory. It remembers
// whether the directory was removed so that Rejoin only restores what Leave
// took away.
type Membership struct {
	client *Client
	dir    string

	mu      sync.Mutex
	removed bool
}

// Membership returns the adapter for dir.
func (c *Client) Membership(dir string) *Membership {
	return &Membership{client: c, dir: dir}
}

// Leave stops farming the directory.
func (m *Membership) Leave(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed {
		return nil
	}
	if err := m.client.RemoveDirectory(ctx, m.dir); err != nil {
		return err
	}
	m.removed = true
	return nil
}

// Rejoin farms the directory again if Leave removed it.
func (m *Membership) Rejoin(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.removed {
		return nil
	}
	if err := m.client.AddDirectory(ctx, m.dir); err != nil {
		return err
	}
	m.removed = false
	return nil
}
