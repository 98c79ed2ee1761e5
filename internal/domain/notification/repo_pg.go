package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/myclinic/clinic/internal/platform/db"
)

// =========== Notification Repository ===========

type notificationRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &notificationRepoPG{pool: pool}
}

func (r *notificationRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Resolve(ctx, r.pool)
}

const notificationCols = `id, tenant_id, user_id, type, title, message, entity_type, entity_id,
	metadata, is_read, read_at, created_at`

func (r *notificationRepoPG) scan(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.TenantID, &n.UserID, &n.Type, &n.Title, &n.Message,
		&n.EntityType, &n.EntityID, &n.Metadata, &n.IsRead, &n.ReadAt, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &n, err
}

func (r *notificationRepoPG) Create(ctx context.Context, n *Notification) error {
	n.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO notifications (id, tenant_id, user_id, type, title, message,
			entity_type, entity_id, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING is_read, created_at`,
		n.ID, n.TenantID, n.UserID, n.Type, n.Title, n.Message,
		n.EntityType, n.EntityID, n.Metadata).Scan(&n.IsRead, &n.CreatedAt)
}

func (r *notificationRepoPG) GetByID(ctx context.Context, tenantID, userID string, id uuid.UUID) (*Notification, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+notificationCols+` FROM notifications
		WHERE id = $1 AND tenant_id = $2 AND user_id = $3`, id, tenantID, userID))
}

func (r *notificationRepoPG) List(ctx context.Context, tenantID, userID string, f ListFilter) ([]*Notification, int, error) {
	where := `WHERE tenant_id = $1 AND user_id = $2`
	args := []interface{}{tenantID, userID}
	if f.UnreadOnly {
		where += ` AND is_read = false`
	}
	if f.Type != "" {
		args = append(args, f.Type)
		where += fmt.Sprintf(` AND type = $%d`, len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM notifications `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`SELECT `+notificationCols+` FROM notifications `+where+
		` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := make([]*Notification, 0, f.Limit)
	for rows.Next() {
		n, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

func (r *notificationRepoPG) CountUnread(ctx context.Context, tenantID, userID string) (int64, error) {
	var n int64
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM notifications
		WHERE tenant_id = $1 AND user_id = $2 AND is_read = false`, tenantID, userID).Scan(&n)
	return n, err
}

func (r *notificationRepoPG) MarkRead(ctx context.Context, tenantID, userID string, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notifications SET is_read = true, read_at = COALESCE(read_at, NOW())
		WHERE id = $1 AND tenant_id = $2 AND user_id = $3`, id, tenantID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *notificationRepoPG) MarkAllRead(ctx context.Context, tenantID, userID string) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notifications SET is_read = true, read_at = NOW()
		WHERE tenant_id = $1 AND user_id = $2 AND is_read = false`, tenantID, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *notificationRepoPG) Delete(ctx context.Context, tenantID, userID string, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM notifications
		WHERE id = $1 AND tenant_id = $2 AND user_id = $3`, id, tenantID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== Preference Repository ===========

type preferenceRepoPG struct{ pool *pgxpool.Pool }

func NewPreferenceRepoPG(pool *pgxpool.Pool) PreferenceRepository {
	return &preferenceRepoPG{pool: pool}
}

func (r *preferenceRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Resolve(ctx, r.pool)
}

const preferenceCols = `tenant_id, user_id, appointment_created, appointment_updated,
	appointment_cancelled, appointment_reminder, task_assigned, task_updated, task_completed,
	task_due, lead_assigned, lead_stage_changed, invoice_created, invoice_paid, invoice_overdue,
	message_received, updated_at`

func (r *preferenceRepoPG) Get(ctx context.Context, tenantID, userID string) (*Preference, error) {
	var p Preference
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+preferenceCols+` FROM notification_preferences
		WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID).Scan(
		&p.TenantID, &p.UserID, &p.AppointmentCreated, &p.AppointmentUpdated,
		&p.AppointmentCancelled, &p.AppointmentReminder, &p.TaskAssigned, &p.TaskUpdated,
		&p.TaskCompleted, &p.TaskDue, &p.LeadAssigned, &p.LeadStageChanged,
		&p.InvoiceCreated, &p.InvoicePaid, &p.InvoiceOverdue, &p.MessageReceived, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoPreferences
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *preferenceRepoPG) Upsert(ctx context.Context, p *Preference) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO notification_preferences (`+preferenceCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,NOW())
		ON CONFLICT (tenant_id, user_id) DO UPDATE SET
			appointment_created = EXCLUDED.appointment_created,
			appointment_updated = EXCLUDED.appointment_updated,
			appointment_cancelled = EXCLUDED.appointment_cancelled,
			appointment_reminder = EXCLUDED.appointment_reminder,
			task_assigned = EXCLUDED.task_assigned,
			task_updated = EXCLUDED.task_updated,
			task_completed = EXCLUDED.task_completed,
			task_due = EXCLUDED.task_due,
			lead_assigned = EXCLUDED.lead_assigned,
			lead_stage_changed = EXCLUDED.lead_stage_changed,
			invoice_created = EXCLUDED.invoice_created,
			invoice_paid = EXCLUDED.invoice_paid,
			invoice_overdue = EXCLUDED.invoice_overdue,
			message_received = EXCLUDED.message_received,
			updated_at = NOW()
		RETURNING updated_at`,
		p.TenantID, p.UserID, p.AppointmentCreated, p.AppointmentUpdated,
		p.AppointmentCancelled, p.AppointmentReminder, p.TaskAssigned, p.TaskUpdated,
		p.TaskCompleted, p.TaskDue, p.LeadAssigned, p.LeadStageChanged,
		p.InvoiceCreated, p.InvoicePaid, p.InvoiceOverdue, p.MessageReceived).Scan(&p.UpdatedAt)
}
