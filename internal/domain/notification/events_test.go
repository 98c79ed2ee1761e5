package notification

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newBusWithService() (*Bus, *mockRepo, *mockPrefRepo) {
	svc, repo, prefs, _ := newTestService()
	bus := NewBus()
	svc.RegisterHandlers(bus)
	return bus, repo, prefs
}

func TestBus_HandlersRunInOrder(t *testing.T) {
	bus := NewBus()
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		bus.Subscribe(CategoryTask, func(context.Context, Event) error {
			order = append(order, i)
			return nil
		})
	}
	if err := bus.Publish(context.Background(), TaskEvent{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 3 || order[0] != 1 || order[2] != 3 {
		t.Errorf("unexpected order %v", order)
	}
}

func TestBus_FailingHandlerDoesNotStopOthers(t *testing.T) {
	bus := NewBus()
	called := false
	bus.Subscribe(CategoryLead, func(context.Context, Event) error { return errBoom })
	bus.Subscribe(CategoryLead, func(context.Context, Event) error { called = true; return nil })

	err := bus.Publish(context.Background(), LeadEvent{})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if !called {
		t.Error("expected second handler to run")
	}
}

func TestBus_NoSubscribers(t *testing.T) {
	if err := NewBus().Publish(context.Background(), MessageEvent{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHandlers_OneNotificationPerRecipient(t *testing.T) {
	bus, repo, _ := newBusWithService()
	err := bus.Publish(context.Background(), AppointmentEvent{
		TenantID:      "t1",
		Action:        AppointmentCreated,
		AppointmentID: "appt-1",
		PatientName:   "Jane Doe",
		StartsAt:      time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC),
		RecipientIDs:  []string{"doc-1", "nurse-1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.items) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(repo.items))
	}
	for _, n := range repo.items {
		if n.Type != TypeAppointmentCreated {
			t.Errorf("expected appointment_created, got %s", n.Type)
		}
		if !strings.Contains(n.Message, "Jane Doe") {
			t.Errorf("expected patient name in message, got %q", n.Message)
		}
		if n.EntityID == nil || *n.EntityID != "appt-1" {
			t.Errorf("expected entity id appt-1, got %v", n.EntityID)
		}
	}
}

func TestHandlers_ZeroRecipientsNoop(t *testing.T) {
	bus, repo, _ := newBusWithService()
	if err := bus.Publish(context.Background(), InvoiceEvent{TenantID: "t1", Action: InvoicePaid}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.items) != 0 {
		t.Errorf("expected no notifications, got %d", len(repo.items))
	}
}

func TestHandlers_PreferenceGatePerRecipient(t *testing.T) {
	bus, repo, prefs := newBusWithService()
	p := DefaultPreference("t1", "muted")
	p.LeadStageChanged = false
	_ = prefs.Upsert(context.Background(), p)

	err := bus.Publish(context.Background(), LeadEvent{
		TenantID: "t1", Action: LeadStageChanged, LeadID: "lead-1", LeadName: "Acme",
		FromStage: "new", ToStage: "qualified", RecipientIDs: []string{"muted", "listening"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.items) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(repo.items))
	}
	for _, n := range repo.items {
		if n.UserID != "listening" {
			t.Errorf("expected only 'listening' to be notified, got %s", n.UserID)
		}
	}
}

func TestHandlers_PersistenceErrorReturnedAfterAllRecipients(t *testing.T) {
	svc, repo, _, _ := newTestService()
	bus := NewBus()
	svc.RegisterHandlers(bus)
	repo.createErr = errBoom

	err := bus.Publish(context.Background(), TaskEvent{
		TenantID: "t1", Action: TaskAssigned, TaskID: "task-1", Title: "Call back",
		RecipientIDs: []string{"a", "b"},
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if !strings.Contains(err.Error(), "notify a") || !strings.Contains(err.Error(), "notify b") {
		t.Errorf("expected both recipients to be attempted, got %v", err)
	}
}

func TestHandlers_ActionMapping(t *testing.T) {
	due := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		evt  Event
		want Type
	}{
		{"appointment updated", AppointmentEvent{Action: AppointmentUpdated}, TypeAppointmentUpdated},
		{"appointment cancelled", AppointmentEvent{Action: AppointmentCancelled}, TypeAppointmentCancelled},
		{"appointment reminder", AppointmentEvent{Action: AppointmentReminder}, TypeAppointmentReminder},
		{"task assigned", TaskEvent{Action: TaskAssigned, Title: "x"}, TypeTaskAssigned},
		{"task updated", TaskEvent{Action: TaskUpdated, Title: "x"}, TypeTaskUpdated},
		{"task completed", TaskEvent{Action: TaskCompleted, Title: "x"}, TypeTaskCompleted},
		{"task due", TaskEvent{Action: TaskDue, Title: "x", DueAt: &due}, TypeTaskDue},
		{"lead assigned", LeadEvent{Action: LeadAssigned}, TypeLeadAssigned},
		{"invoice created", InvoiceEvent{Action: InvoiceCreated}, TypeInvoiceCreated},
		{"invoice overdue", InvoiceEvent{Action: InvoiceOverdue}, TypeInvoiceOverdue},
		{"message", MessageEvent{SenderName: "Sam", Preview: "hi"}, TypeMessageReceived},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus, repo, _ := newBusWithService()
			evt := withRecipient(tt.evt, "t1", "u1")
			if err := bus.Publish(context.Background(), evt); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(repo.items) != 1 {
				t.Fatalf("expected 1 notification, got %d", len(repo.items))
			}
			for _, n := range repo.items {
				if n.Type != tt.want {
					t.Errorf("expected %s, got %s", tt.want, n.Type)
				}
				if n.Title == "" {
					t.Error("expected a title")
				}
			}
		})
	}
}

func TestHandlers_UnknownActionErrors(t *testing.T) {
	bus, _, _ := newBusWithService()
	evt := withRecipient(AppointmentEvent{Action: "rescheduled"}, "t1", "u1")
	if err := bus.Publish(context.Background(), evt); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestMessagePreviewTruncated(t *testing.T) {
	bus, repo, _ := newBusWithService()
	long := strings.Repeat("é", maxPreviewLen+10)
	_ = bus.Publish(context.Background(), MessageEvent{
		TenantID: "t1", SenderName: "Sam", Preview: long, RecipientIDs: []string{"u1"},
	})
	for _, n := range repo.items {
		if got := len([]rune(n.Message)); got != maxPreviewLen+1 {
			t.Errorf("expected preview of %d runes, got %d", maxPreviewLen+1, got)
		}
	}
}

func withRecipient(e Event, tenantID, userID string) Event {
	r := []string{userID}
	switch ev := e.(type) {
	case AppointmentEvent:
		ev.TenantID, ev.RecipientIDs = tenantID, r
		return ev
	case TaskEvent:
		ev.TenantID, ev.RecipientIDs = tenantID, r
		return ev
	case LeadEvent:
		ev.TenantID, ev.RecipientIDs = tenantID, r
		return ev
	case InvoiceEvent:
		ev.TenantID, ev.RecipientIDs = tenantID, r
		return ev
	case MessageEvent:
		ev.TenantID, ev.RecipientIDs = tenantID, r
		return ev
	}
	return e
}
