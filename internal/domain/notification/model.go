package notification

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("notification not found")
	ErrNoPreferences = errors.New("notification preferences not found")
	ErrInvalidEvent  = errors.New("invalid domain event")
)

// Type is the kind of event a notification reports.
type Type string

const (
	TypeAppointmentCreated   Type = "appointment_created"
	TypeAppointmentUpdated   Type = "appointment_updated"
	TypeAppointmentCancelled Type = "appointment_cancelled"
	TypeAppointmentReminder  Type = "appointment_reminder"
	TypeTaskAssigned         Type = "task_assigned"
	TypeTaskUpdated          Type = "task_updated"
	TypeTaskCompleted        Type = "task_completed"
	TypeTaskDue              Type = "task_due"
	TypeLeadAssigned         Type = "lead_assigned"
	TypeLeadStageChanged     Type = "lead_stage_changed"
	TypeInvoiceCreated       Type = "invoice_created"
	TypeInvoicePaid          Type = "invoice_paid"
	TypeInvoiceOverdue       Type = "invoice_overdue"
	TypeMessageReceived      Type = "message_received"
	TypeSystem               Type = "system"
)

var validTypes = map[Type]bool{
	TypeAppointmentCreated: true, TypeAppointmentUpdated: true, TypeAppointmentCancelled: true,
	TypeAppointmentReminder: true, TypeTaskAssigned: true, TypeTaskUpdated: true,
	TypeTaskCompleted: true, TypeTaskDue: true, TypeLeadAssigned: true,
	TypeLeadStageChanged: true, TypeInvoiceCreated: true, TypeInvoicePaid: true,
	TypeInvoiceOverdue: true, TypeMessageReceived: true, TypeSystem: true,
}

func (t Type) Valid() bool { return validTypes[t] }

type Notification struct {
	ID         uuid.UUID              `json:"id"`
	TenantID   string                 `json:"tenantId"`
	UserID     string                 `json:"userId"`
	Type       Type                   `json:"type"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	EntityType *string                `json:"entityType,omitempty"`
	EntityID   *string                `json:"entityId,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	IsRead     bool                   `json:"isRead"`
	ReadAt     *time.Time             `json:"readAt,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// CreatePayload is the input to Service.CreateNotification.
type CreatePayload struct {
	TenantID   string
	UserID     string
	Type       Type
	Title      string
	Message    string
	EntityType string
	EntityID   string
	Metadata   map[string]interface{}
}

// ListFilter narrows a user's notification list.
type ListFilter struct {
	UnreadOnly bool
	Type       Type
	Limit      int
	Offset     int
}

// Preference holds one user's opt-outs. A missing row means every type is
// enabled.
type Preference struct {
	TenantID             string    `json:"tenantId"`
	UserID               string    `json:"userId"`
	AppointmentCreated   bool      `json:"appointmentCreated"`
	AppointmentUpdated   bool      `json:"appointmentUpdated"`
	AppointmentCancelled bool      `json:"appointmentCancelled"`
	AppointmentReminder  bool      `json:"appointmentReminder"`
	TaskAssigned         bool      `json:"taskAssigned"`
	TaskUpdated          bool      `json:"taskUpdated"`
	TaskCompleted        bool      `json:"taskCompleted"`
	TaskDue              bool      `json:"taskDue"`
	LeadAssigned         bool      `json:"leadAssigned"`
	LeadStageChanged     bool      `json:"leadStageChanged"`
	InvoiceCreated       bool      `json:"invoiceCreated"`
	InvoicePaid          bool      `json:"invoicePaid"`
	InvoiceOverdue       bool      `json:"invoiceOverdue"`
	MessageReceived      bool      `json:"messageReceived"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// DefaultPreference returns a preference row with every type enabled.
func DefaultPreference(tenantID, userID string) *Preference {
	return &Preference{
		TenantID:             tenantID,
		UserID:               userID,
		AppointmentCreated:   true,
		AppointmentUpdated:   true,
		AppointmentCancelled: true,
		AppointmentReminder:  true,
		TaskAssigned:         true,
		TaskUpdated:          true,
		TaskCompleted:        true,
		TaskDue:              true,
		LeadAssigned:         true,
		LeadStageChanged:     true,
		InvoiceCreated:       true,
		InvoicePaid:          true,
		InvoiceOverdue:       true,
		MessageReceived:      true,
	}
}

// preferenceFlag returns the preference field for t. ok is false for types
// no preference controls (system and unknown types).
func preferenceFlag(p *Preference, t Type) (enabled, ok bool) {
	switch t {
	case TypeAppointmentCreated:
		return p.AppointmentCreated, true
	case TypeAppointmentUpdated:
		return p.AppointmentUpdated, true
	case TypeAppointmentCancelled:
		return p.AppointmentCancelled, true
	case TypeAppointmentReminder:
		return p.AppointmentReminder, true
	case TypeTaskAssigned:
		return p.TaskAssigned, true
	case TypeTaskUpdated:
		return p.TaskUpdated, true
	case TypeTaskCompleted:
		return p.TaskCompleted, true
	case TypeTaskDue:
		return p.TaskDue, true
	case TypeLeadAssigned:
		return p.LeadAssigned, true
	case TypeLeadStageChanged:
		return p.LeadStageChanged, true
	case TypeInvoiceCreated:
		return p.InvoiceCreated, true
	case TypeInvoicePaid:
		return p.InvoicePaid, true
	case TypeInvoiceOverdue:
		return p.InvoiceOverdue, true
	case TypeMessageReceived:
		return p.MessageReceived, true
	}
	return false, false
}

// PreferenceUpdate is a partial update; nil fields are left unchanged.
type PreferenceUpdate struct {
	AppointmentCreated   *bool `json:"appointmentCreated"`
	AppointmentUpdated   *bool `json:"appointmentUpdated"`
	AppointmentCancelled *bool `json:"appointmentCancelled"`
	AppointmentReminder  *bool `json:"appointmentReminder"`
	TaskAssigned         *bool `json:"taskAssigned"`
	TaskUpdated          *bool `json:"taskUpdated"`
	TaskCompleted        *bool `json:"taskCompleted"`
	TaskDue              *bool `json:"taskDue"`
	LeadAssigned         *bool `json:"leadAssigned"`
	LeadStageChanged     *bool `json:"leadStageChanged"`
	InvoiceCreated       *bool `json:"invoiceCreated"`
	InvoicePaid          *bool `json:"invoicePaid"`
	InvoiceOverdue       *bool `json:"invoiceOverdue"`
	MessageReceived      *bool `json:"messageReceived"`
}

func (u PreferenceUpdate) apply(p *Preference) {
	set := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	set(&p.AppointmentCreated, u.AppointmentCreated)
	set(&p.AppointmentUpdated, u.AppointmentUpdated)
	set(&p.AppointmentCancelled, u.AppointmentCancelled)
	set(&p.AppointmentReminder, u.AppointmentReminder)
	set(&p.TaskAssigned, u.TaskAssigned)
	set(&p.TaskUpdated, u.TaskUpdated)
	set(&p.TaskCompleted, u.TaskCompleted)
	set(&p.TaskDue, u.TaskDue)
	set(&p.LeadAssigned, u.LeadAssigned)
	set(&p.LeadStageChanged, u.LeadStageChanged)
	set(&p.InvoiceCreated, u.InvoiceCreated)
	set(&p.InvoicePaid, u.InvoicePaid)
	set(&p.InvoiceOverdue, u.InvoiceOverdue)
	set(&p.MessageReceived, u.MessageReceived)
}
