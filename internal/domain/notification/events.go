package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// EventCategory groups domain events that share one notification handler.
type EventCategory string

const (
	CategoryAppointment EventCategory = "appointment"
	CategoryTask        EventCategory = "task"
	CategoryLead        EventCategory = "lead"
	CategoryInvoice     EventCategory = "invoice"
	CategoryMessage     EventCategory = "message"
)

// Event is a domain event that may produce notifications.
type Event interface {
	Category() EventCategory
}

type EventHandler func(ctx context.Context, e Event) error

// Bus is an in-process event bus. Handlers of one category run in the order
// they subscribed.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventCategory][]EventHandler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[EventCategory][]EventHandler)}
}

func (b *Bus) Subscribe(cat EventCategory, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[cat] = append(b.handlers[cat], h)
}

// Publish runs every handler for e's category and joins their errors. A
// failing handler does not stop the ones after it.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	hs := append([]EventHandler(nil), b.handlers[e.Category()]...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range hs {
		if err := h(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Typed events
// ---------------------------------------------------------------------------

type AppointmentAction string

const (
	AppointmentCreated   AppointmentAction = "created"
	AppointmentUpdated   AppointmentAction = "updated"
	AppointmentCancelled AppointmentAction = "cancelled"
	AppointmentReminder  AppointmentAction = "reminder"
)

type AppointmentEvent struct {
	TenantID      string            `json:"tenantId"`
	Action        AppointmentAction `json:"action"`
	AppointmentID string            `json:"appointmentId"`
	PatientName   string            `json:"patientName"`
	StartsAt      time.Time         `json:"startsAt"`
	RecipientIDs  []string          `json:"recipientIds,omitempty"`
}

func (AppointmentEvent) Category() EventCategory { return CategoryAppointment }

type TaskAction string

const (
	TaskAssigned  TaskAction = "assigned"
	TaskUpdated   TaskAction = "updated"
	TaskCompleted TaskAction = "completed"
	TaskDue       TaskAction = "due"
)

type TaskEvent struct {
	TenantID     string     `json:"tenantId"`
	Action       TaskAction `json:"action"`
	TaskID       string     `json:"taskId"`
	Title        string     `json:"title"`
	ActorName    string     `json:"actorName"`
	DueAt        *time.Time `json:"dueAt,omitempty"`
	RecipientIDs []string   `json:"recipientIds,omitempty"`
}

func (TaskEvent) Category() EventCategory { return CategoryTask }

type LeadAction string

const (
	LeadAssigned     LeadAction = "assigned"
	LeadStageChanged LeadAction = "stage_changed"
)

type LeadEvent struct {
	TenantID     string     `json:"tenantId"`
	Action       LeadAction `json:"action"`
	LeadID       string     `json:"leadId"`
	LeadName     string     `json:"leadName"`
	FromStage    string     `json:"fromStage"`
	ToStage      string     `json:"toStage"`
	RecipientIDs []string   `json:"recipientIds,omitempty"`
}

func (LeadEvent) Category() EventCategory { return CategoryLead }

type InvoiceAction string

const (
	InvoiceCreated InvoiceAction = "created"
	InvoicePaid    InvoiceAction = "paid"
	InvoiceOverdue InvoiceAction = "overdue"
)

type InvoiceEvent struct {
	TenantID      string        `json:"tenantId"`
	Action        InvoiceAction `json:"action"`
	InvoiceID     string        `json:"invoiceId"`
	InvoiceNumber string        `json:"invoiceNumber"`
	Amount        float64       `json:"amount"`
	Currency      string        `json:"currency"`
	RecipientIDs  []string      `json:"recipientIds,omitempty"`
}

func (InvoiceEvent) Category() EventCategory { return CategoryInvoice }

type MessageEvent struct {
	TenantID       string   `json:"tenantId"`
	ConversationID string   `json:"conversationId"`
	SenderName     string   `json:"senderName"`
	Preview        string   `json:"preview"`
	RecipientIDs   []string `json:"recipientIds,omitempty"`
}

func (MessageEvent) Category() EventCategory { return CategoryMessage }

// EventEnvelope is the wire form of a domain event submitted by another
// module: the category selects the concrete event type of Event.
type EventEnvelope struct {
	Category EventCategory   `json:"category"`
	Event    json.RawMessage `json:"event"`
}

// Decode returns the typed event with its tenant forced to tenantID.
func (env EventEnvelope) Decode(tenantID string) (Event, error) {
	var (
		e   Event
		err error
	)
	switch env.Category {
	case CategoryAppointment:
		var v AppointmentEvent
		err = json.Unmarshal(env.Event, &v)
		v.TenantID = tenantID
		e = v
	case CategoryTask:
		var v TaskEvent
		err = json.Unmarshal(env.Event, &v)
		v.TenantID = tenantID
		e = v
	case CategoryLead:
		var v LeadEvent
		err = json.Unmarshal(env.Event, &v)
		v.TenantID = tenantID
		e = v
	case CategoryInvoice:
		var v InvoiceEvent
		err = json.Unmarshal(env.Event, &v)
		v.TenantID = tenantID
		e = v
	case CategoryMessage:
		var v MessageEvent
		err = json.Unmarshal(env.Event, &v)
		v.TenantID = tenantID
		e = v
	default:
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidEvent, env.Category)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return e, nil
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// RegisterHandlers subscribes one handler per category to bus.
func (s *Service) RegisterHandlers(bus *Bus) {
	bus.Subscribe(CategoryAppointment, s.onAppointment)
	bus.Subscribe(CategoryTask, s.onTask)
	bus.Subscribe(CategoryLead, s.onLead)
	bus.Subscribe(CategoryInvoice, s.onInvoice)
	bus.Subscribe(CategoryMessage, s.onMessage)
}

// fanOut creates one notification per recipient, each gated independently.
// Every recipient is attempted; failures are joined.
func (s *Service) fanOut(ctx context.Context, recipients []string, base CreatePayload) error {
	var errs []error
	for _, userID := range recipients {
		in := base
		in.UserID = userID
		if _, err := s.notifyIfAllowed(ctx, in); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) onAppointment(ctx context.Context, e Event) error {
	ev, ok := e.(AppointmentEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T for appointment handler", e)
	}
	when := ev.StartsAt.Format("Jan 2, 15:04")

	in := CreatePayload{
		TenantID:   ev.TenantID,
		EntityType: "appointment",
		EntityID:   ev.AppointmentID,
		Metadata:   map[string]interface{}{"startsAt": ev.StartsAt},
	}
	switch ev.Action {
	case AppointmentCreated:
		in.Type, in.Title = TypeAppointmentCreated, "New appointment"
		in.Message = fmt.Sprintf("%s booked for %s", ev.PatientName, when)
	case AppointmentUpdated:
		in.Type, in.Title = TypeAppointmentUpdated, "Appointment updated"
		in.Message = fmt.Sprintf("Appointment with %s is now at %s", ev.PatientName, when)
	case AppointmentCancelled:
		in.Type, in.Title = TypeAppointmentCancelled, "Appointment cancelled"
		in.Message = fmt.Sprintf("Appointment with %s on %s was cancelled", ev.PatientName, when)
	case AppointmentReminder:
		in.Type, in.Title = TypeAppointmentReminder, "Upcoming appointment"
		in.Message = fmt.Sprintf("%s at %s", ev.PatientName, when)
	default:
		return fmt.Errorf("unknown appointment action %q", ev.Action)
	}
	return s.fanOut(ctx, ev.RecipientIDs, in)
}

func (s *Service) onTask(ctx context.Context, e Event) error {
	ev, ok := e.(TaskEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T for task handler", e)
	}

	in := CreatePayload{TenantID: ev.TenantID, EntityType: "task", EntityID: ev.TaskID}
	switch ev.Action {
	case TaskAssigned:
		in.Type, in.Title = TypeTaskAssigned, "Task assigned"
		in.Message = ev.Title
		if ev.ActorName != "" {
			in.Message = fmt.Sprintf("%s assigned you: %s", ev.ActorName, ev.Title)
		}
	case TaskUpdated:
		in.Type, in.Title = TypeTaskUpdated, "Task updated"
		in.Message = ev.Title
	case TaskCompleted:
		in.Type, in.Title = TypeTaskCompleted, "Task completed"
		in.Message = ev.Title
	case TaskDue:
		in.Type, in.Title = TypeTaskDue, "Task due"
		in.Message = ev.Title
		if ev.DueAt != nil {
			in.Message = fmt.Sprintf("%s is due %s", ev.Title, ev.DueAt.Format("Jan 2, 15:04"))
			in.Metadata = map[string]interface{}{"dueAt": *ev.DueAt}
		}
	default:
		return fmt.Errorf("unknown task action %q", ev.Action)
	}
	return s.fanOut(ctx, ev.RecipientIDs, in)
}

func (s *Service) onLead(ctx context.Context, e Event) error {
	ev, ok := e.(LeadEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T for lead handler", e)
	}

	in := CreatePayload{TenantID: ev.TenantID, EntityType: "lead", EntityID: ev.LeadID}
	switch ev.Action {
	case LeadAssigned:
		in.Type, in.Title = TypeLeadAssigned, "Lead assigned"
		in.Message = fmt.Sprintf("%s was assigned to you", ev.LeadName)
	case LeadStageChanged:
		in.Type, in.Title = TypeLeadStageChanged, "Lead stage changed"
		in.Message = fmt.Sprintf("%s moved from %s to %s", ev.LeadName, ev.FromStage, ev.ToStage)
		in.Metadata = map[string]interface{}{"fromStage": ev.FromStage, "toStage": ev.ToStage}
	default:
		return fmt.Errorf("unknown lead action %q", ev.Action)
	}
	return s.fanOut(ctx, ev.RecipientIDs, in)
}

func (s *Service) onInvoice(ctx context.Context, e Event) error {
	ev, ok := e.(InvoiceEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T for invoice handler", e)
	}
	amount := fmt.Sprintf("%.2f %s", ev.Amount, ev.Currency)

	in := CreatePayload{
		TenantID:   ev.TenantID,
		EntityType: "invoice",
		EntityID:   ev.InvoiceID,
		Metadata:   map[string]interface{}{"amount": ev.Amount, "currency": ev.Currency},
	}
	switch ev.Action {
	case InvoiceCreated:
		in.Type, in.Title = TypeInvoiceCreated, "Invoice created"
		in.Message = fmt.Sprintf("Invoice %s for %s", ev.InvoiceNumber, amount)
	case InvoicePaid:
		in.Type, in.Title = TypeInvoicePaid, "Invoice paid"
		in.Message = fmt.Sprintf("Invoice %s was paid (%s)", ev.InvoiceNumber, amount)
	case InvoiceOverdue:
		in.Type, in.Title = TypeInvoiceOverdue, "Invoice overdue"
		in.Message = fmt.Sprintf("Invoice %s (%s) is overdue", ev.InvoiceNumber, amount)
	default:
		return fmt.Errorf("unknown invoice action %q", ev.Action)
	}
	return s.fanOut(ctx, ev.RecipientIDs, in)
}

const maxPreviewLen = 120

func (s *Service) onMessage(ctx context.Context, e Event) error {
	ev, ok := e.(MessageEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T for message handler", e)
	}
	preview := ev.Preview
	if r := []rune(preview); len(r) > maxPreviewLen {
		preview = string(r[:maxPreviewLen]) + "…"
	}

	return s.fanOut(ctx, ev.RecipientIDs, CreatePayload{
		TenantID:   ev.TenantID,
		Type:       TypeMessageReceived,
		Title:      fmt.Sprintf("New message from %s", ev.SenderName),
		Message:    preview,
		EntityType: "conversation",
		EntityID:   ev.ConversationID,
	})
}
