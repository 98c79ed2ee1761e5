package notification

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists notifications. Every read and write is scoped to one
// tenant and one owning user.
type Repository interface {
	Create(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, tenantID, userID string, id uuid.UUID) (*Notification, error)
	List(ctx context.Context, tenantID, userID string, f ListFilter) ([]*Notification, int, error)
	CountUnread(ctx context.Context, tenantID, userID string) (int64, error)
	MarkRead(ctx context.Context, tenantID, userID string, id uuid.UUID) error
	MarkAllRead(ctx context.Context, tenantID, userID string) (int64, error)
	Delete(ctx context.Context, tenantID, userID string, id uuid.UUID) error
}

// PreferenceRepository persists preference rows. Get returns ErrNoPreferences
// when the user has no row.
type PreferenceRepository interface {
	Get(ctx context.Context, tenantID, userID string) (*Preference, error)
	Upsert(ctx context.Context, p *Preference) error
}
