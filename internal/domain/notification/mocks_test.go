package notification

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// -- Mock Repositories --

type mockRepo struct {
	mu        sync.Mutex
	items     map[uuid.UUID]*Notification
	createErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[uuid.UUID]*Notification)}
}

func (m *mockRepo) Create(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	n.ID = uuid.New()
	n.CreatedAt = time.Now()
	m.items[n.ID] = n
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, tenantID, userID string, id uuid.UUID) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok || n.TenantID != tenantID || n.UserID != userID {
		return nil, ErrNotFound
	}
	return n, nil
}

func (m *mockRepo) owned(tenantID, userID string) []*Notification {
	var out []*Notification
	for _, n := range m.items {
		if n.TenantID == tenantID && n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *mockRepo) List(_ context.Context, tenantID, userID string, f ListFilter) ([]*Notification, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Notification
	for _, n := range m.owned(tenantID, userID) {
		if f.UnreadOnly && n.IsRead {
			continue
		}
		if f.Type != "" && n.Type != f.Type {
			continue
		}
		out = append(out, n)
	}
	total := len(out)
	if f.Offset >= len(out) {
		return []*Notification{}, total, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (m *mockRepo) CountUnread(_ context.Context, tenantID, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c int64
	for _, n := range m.owned(tenantID, userID) {
		if !n.IsRead {
			c++
		}
	}
	return c, nil
}

func (m *mockRepo) MarkRead(_ context.Context, tenantID, userID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok || n.TenantID != tenantID || n.UserID != userID {
		return ErrNotFound
	}
	if !n.IsRead {
		now := time.Now()
		n.IsRead, n.ReadAt = true, &now
	}
	return nil
}

func (m *mockRepo) MarkAllRead(_ context.Context, tenantID, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c int64
	now := time.Now()
	for _, n := range m.owned(tenantID, userID) {
		if !n.IsRead {
			n.IsRead, n.ReadAt = true, &now
			c++
		}
	}
	return c, nil
}

func (m *mockRepo) Delete(_ context.Context, tenantID, userID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok || n.TenantID != tenantID || n.UserID != userID {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

type mockPrefRepo struct {
	mu     sync.Mutex
	items  map[string]*Preference
	getErr error
}

func newMockPrefRepo() *mockPrefRepo {
	return &mockPrefRepo{items: make(map[string]*Preference)}
}

func (m *mockPrefRepo) Get(_ context.Context, tenantID, userID string) (*Preference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	p, ok := m.items[tenantID+"/"+userID]
	if !ok {
		return nil, ErrNoPreferences
	}
	cp := *p
	return &cp, nil
}

func (m *mockPrefRepo) Upsert(_ context.Context, p *Preference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.UpdatedAt = time.Now()
	cp := *p
	m.items[p.TenantID+"/"+p.UserID] = &cp
	return nil
}

// -- Mock Notifier --

type countUpdate struct {
	tenantID, userID string
	count            int64
}

type mockNotifier struct {
	mu         sync.Mutex
	delivered  []*Notification
	counts     []countUpdate
	reads      []string
	deliverErr error
}

func (m *mockNotifier) Deliver(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deliverErr != nil {
		return m.deliverErr
	}
	m.delivered = append(m.delivered, n)
	return nil
}

func (m *mockNotifier) PublishCount(_ context.Context, tenantID, userID string, count int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = append(m.counts, countUpdate{tenantID, userID, count})
	return nil
}

func (m *mockNotifier) PublishRead(_ context.Context, _, _, notificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = append(m.reads, notificationID)
	return nil
}

func (m *mockNotifier) lastCount() (countUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.counts) == 0 {
		return countUpdate{}, false
	}
	return m.counts[len(m.counts)-1], true
}

var errBoom = errors.New("boom")
