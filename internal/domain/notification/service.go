package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/myclinic/clinic/internal/platform/metrics"
)

// Notifier pushes real-time updates to the recipient's connections. Delivery
// is best effort; persistence is authoritative.
type Notifier interface {
	Deliver(ctx context.Context, n *Notification) error
	PublishCount(ctx context.Context, tenantID, userID string, count int64) error
	PublishRead(ctx context.Context, tenantID, userID, notificationID string) error
}

type Service struct {
	notifications Repository
	preferences   PreferenceRepository
	notifier      Notifier
	logger        zerolog.Logger
}

func NewService(notifications Repository, preferences PreferenceRepository, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		notifications: notifications,
		preferences:   preferences,
		notifier:      notifier,
		logger:        logger.With().Str("component", "notification").Logger(),
	}
}

// -- Preference gate --

// ShouldNotifyUser reports whether userID accepts notifications of type t.
// Users without a preference row and types no preference controls are
// allowed.
func (s *Service) ShouldNotifyUser(ctx context.Context, tenantID, userID string, t Type) (bool, error) {
	p, err := s.preferences.Get(ctx, tenantID, userID)
	if errors.Is(err, ErrNoPreferences) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("load preferences: %w", err)
	}
	if enabled, ok := preferenceFlag(p, t); ok {
		return enabled, nil
	}
	return true, nil
}

// -- Notifications --

// CreateNotification stores a notification and pushes it to the recipient.
// A persistence error is returned; a delivery error is logged and dropped.
func (s *Service) CreateNotification(ctx context.Context, in CreatePayload) (*Notification, error) {
	if in.TenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if in.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("invalid notification type %q", in.Type)
	}
	if in.Title == "" {
		return nil, fmt.Errorf("title is required")
	}

	n := &Notification{
		TenantID: in.TenantID,
		UserID:   in.UserID,
		Type:     in.Type,
		Title:    in.Title,
		Message:  in.Message,
		Metadata: in.Metadata,
	}
	if in.EntityType != "" {
		n.EntityType = &in.EntityType
	}
	if in.EntityID != "" {
		n.EntityID = &in.EntityID
	}

	if err := s.notifications.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	metrics.NotificationsCreated.WithLabelValues(string(n.Type)).Inc()

	if err := s.notifier.Deliver(ctx, n); err != nil {
		s.logger.Warn().Err(err).Str("notification_id", n.ID.String()).
			Str("user_id", n.UserID).Msg("real-time delivery failed")
	}
	return n, nil
}

// notifyIfAllowed applies the preference gate and creates the notification.
// It returns nil, nil when the recipient opted out.
func (s *Service) notifyIfAllowed(ctx context.Context, in CreatePayload) (*Notification, error) {
	ok, err := s.ShouldNotifyUser(ctx, in.TenantID, in.UserID, in.Type)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.NotificationsSuppressed.WithLabelValues(string(in.Type)).Inc()
		return nil, nil
	}
	return s.CreateNotification(ctx, in)
}

func (s *Service) List(ctx context.Context, tenantID, userID string, f ListFilter) ([]*Notification, int, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, 0, fmt.Errorf("invalid notification type %q", f.Type)
	}
	return s.notifications.List(ctx, tenantID, userID, f)
}

func (s *Service) UnreadCount(ctx context.Context, tenantID, userID string) (int64, error) {
	return s.notifications.CountUnread(ctx, tenantID, userID)
}

// MarkRead marks one of the caller's notifications read. Notifications owned
// by anyone else, and ids that are not UUIDs, report ErrNotFound.
func (s *Service) MarkRead(ctx context.Context, tenantID, userID, notificationID string) error {
	id, err := uuid.Parse(notificationID)
	if err != nil {
		return ErrNotFound
	}
	if err := s.notifications.MarkRead(ctx, tenantID, userID, id); err != nil {
		return err
	}
	s.publishReadState(ctx, tenantID, userID, notificationID)
	return nil
}

// MarkAllRead marks every unread notification read and returns how many
// changed. Calling it again changes nothing and is not an error.
func (s *Service) MarkAllRead(ctx context.Context, tenantID, userID string) (int64, error) {
	n, err := s.notifications.MarkAllRead(ctx, tenantID, userID)
	if err != nil {
		return 0, err
	}
	s.publishReadState(ctx, tenantID, userID, "")
	return n, nil
}

func (s *Service) Delete(ctx context.Context, tenantID, userID, notificationID string) error {
	id, err := uuid.Parse(notificationID)
	if err != nil {
		return ErrNotFound
	}
	if err := s.notifications.Delete(ctx, tenantID, userID, id); err != nil {
		return err
	}
	s.publishCount(ctx, tenantID, userID)
	return nil
}

// publishReadState announces the read change and the new unread count to every
// instance, this one included.
func (s *Service) publishReadState(ctx context.Context, tenantID, userID, notificationID string) {
	if err := s.notifier.PublishRead(ctx, tenantID, userID, notificationID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("publish read state failed")
	}
	s.publishCount(ctx, tenantID, userID)
}

func (s *Service) publishCount(ctx context.Context, tenantID, userID string) {
	count, err := s.notifications.CountUnread(ctx, tenantID, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("count unread failed")
		return
	}
	if err := s.notifier.PublishCount(ctx, tenantID, userID, count); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("publish unread count failed")
	}
}

// -- Preferences --

// GetPreferences returns the user's preferences, creating the all-enabled
// default row on first read.
func (s *Service) GetPreferences(ctx context.Context, tenantID, userID string) (*Preference, error) {
	p, err := s.preferences.Get(ctx, tenantID, userID)
	if errors.Is(err, ErrNoPreferences) {
		p = DefaultPreference(tenantID, userID)
		if err := s.preferences.Upsert(ctx, p); err != nil {
			return nil, fmt.Errorf("create default preferences: %w", err)
		}
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdatePreferences applies the non-nil fields of u. Concurrent updates are
// last-write-wins.
func (s *Service) UpdatePreferences(ctx context.Context, tenantID, userID string, u PreferenceUpdate) (*Preference, error) {
	p, err := s.GetPreferences(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	u.apply(p)
	if err := s.preferences.Upsert(ctx, p); err != nil {
		return nil, fmt.Errorf("update preferences: %w", err)
	}
	return p, nil
}
