// Package session keeps the registry of live test-call controllers, one per
// operator view, and expires the ones nobody is watching.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/agenttest/internal/agentsession"
)

var ErrNotFound = errors.New("session not found")

// Info describes one registered controller.
type Info struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	IdleTTLMS      int64     `json:"idle_ttl_ms"`
}

type entry struct {
	info Info
	ctrl *agentsession.Controller
}

type Manager struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	idleTimeout time.Duration
	build       func() *agentsession.Controller
	onExpire    func(Info)
}

// NewManager registers controllers built by build. Controllers untouched for
// idleTimeout are closed by the janitor.
func NewManager(idleTimeout time.Duration, build func() *agentsession.Controller) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	return &Manager{
		entries:     make(map[string]*entry),
		idleTimeout: idleTimeout,
		build:       build,
	}
}

func (m *Manager) SetExpireHook(hook func(Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create() Info {
	now := time.Now().UTC()
	e := &entry{
		info: Info{
			ID:             uuid.NewString(),
			CreatedAt:      now,
			LastActivityAt: now,
			IdleTTLMS:      m.idleTimeout.Milliseconds(),
		},
		ctrl: m.build(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.info.ID] = e
	return e.info
}

// Get returns the controller and marks it active.
func (m *Manager) Get(id string) (*agentsession.Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	e.info.LastActivityAt = time.Now().UTC()
	return e.ctrl, nil
}

func (m *Manager) Info(id string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	return e.info, nil
}

func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.info.LastActivityAt = time.Now().UTC()
	return nil
}

// Remove unregisters and closes the controller, disconnecting any live call.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return e.ctrl.Close()
}

func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.info)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveCount counts controllers with a connected call.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.entries {
		if e.ctrl.Status() == agentsession.StatusConnected {
			count++
		}
	}
	return count
}

// CloseAll closes every controller. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(c *agentsession.Controller) {
			defer wg.Done()
			_ = c.Close()
		}(e.ctrl)
	}
	wg.Wait()
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*entry

	m.mu.Lock()
	for id, e := range m.entries {
		if now.Sub(e.info.LastActivityAt) < m.idleTimeout {
			continue
		}
		delete(m.entries, id)
		expired = append(expired, e)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, e := range expired {
		_ = e.ctrl.Close()
		if hook != nil {
			hook(e.info)
		}
	}
}
