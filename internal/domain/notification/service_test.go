package notification

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func newTestService() (*Service, *mockRepo, *mockPrefRepo, *mockNotifier) {
	repo := newMockRepo()
	prefs := newMockPrefRepo()
	notifier := &mockNotifier{}
	return NewService(repo, prefs, notifier, zerolog.Nop()), repo, prefs, notifier
}

func boolPtr(b bool) *bool { return &b }

func TestShouldNotifyUser_NoPreferenceRowAllows(t *testing.T) {
	svc, _, _, _ := newTestService()
	ok, err := svc.ShouldNotifyUser(context.Background(), "t1", "u1", TypeInvoicePaid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected users without preferences to be notified")
	}
}

func TestShouldNotifyUser_ExplicitFalseSuppresses(t *testing.T) {
	svc, _, prefs, _ := newTestService()
	p := DefaultPreference("t1", "u1")
	p.TaskAssigned = false
	_ = prefs.Upsert(context.Background(), p)

	ok, err := svc.ShouldNotifyUser(context.Background(), "t1", "u1", TypeTaskAssigned)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected task_assigned to be suppressed")
	}

	ok, _ = svc.ShouldNotifyUser(context.Background(), "t1", "u1", TypeTaskCompleted)
	if !ok {
		t.Error("expected other types to remain enabled")
	}
}

func TestShouldNotifyUser_UnmappedTypeAllowed(t *testing.T) {
	svc, _, prefs, _ := newTestService()
	p := &Preference{TenantID: "t1", UserID: "u1"} // everything false
	_ = prefs.Upsert(context.Background(), p)

	for _, typ := range []Type{TypeSystem, Type("something_new")} {
		ok, err := svc.ShouldNotifyUser(context.Background(), "t1", "u1", typ)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Errorf("expected %s to be allowed", typ)
		}
	}
}

func TestShouldNotifyUser_LookupErrorPropagates(t *testing.T) {
	svc, _, prefs, _ := newTestService()
	prefs.getErr = errBoom
	if _, err := svc.ShouldNotifyUser(context.Background(), "t1", "u1", TypeTaskDue); !errors.Is(err, errBoom) {
		t.Fatalf("expected lookup error, got %v", err)
	}
}

func TestCreateNotification_Validation(t *testing.T) {
	svc, _, _, _ := newTestService()
	tests := []struct {
		name string
		in   CreatePayload
	}{
		{"missing tenant", CreatePayload{UserID: "u", Type: TypeSystem, Title: "x"}},
		{"missing user", CreatePayload{TenantID: "t", Type: TypeSystem, Title: "x"}},
		{"bad type", CreatePayload{TenantID: "t", UserID: "u", Type: "nope", Title: "x"}},
		{"missing title", CreatePayload{TenantID: "t", UserID: "u", Type: TypeSystem}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateNotification(context.Background(), tt.in); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCreateNotification_PersistsAndDelivers(t *testing.T) {
	svc, repo, _, notifier := newTestService()
	n, err := svc.CreateNotification(context.Background(), CreatePayload{
		TenantID: "t1", UserID: "u1", Type: TypeInvoicePaid, Title: "Invoice paid",
		EntityType: "invoice", EntityID: "inv-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ID == uuid.Nil {
		t.Error("expected ID to be assigned")
	}
	if n.EntityType == nil || *n.EntityType != "invoice" {
		t.Errorf("expected entity type invoice, got %v", n.EntityType)
	}
	if len(repo.items) != 1 {
		t.Errorf("expected 1 stored notification, got %d", len(repo.items))
	}
	if len(notifier.delivered) != 1 || notifier.delivered[0].ID != n.ID {
		t.Error("expected the stored notification to be delivered")
	}
}

func TestCreateNotification_DeliveryFailureSwallowed(t *testing.T) {
	svc, repo, _, notifier := newTestService()
	notifier.deliverErr = errBoom

	n, err := svc.CreateNotification(context.Background(), CreatePayload{
		TenantID: "t1", UserID: "u1", Type: TypeSystem, Title: "hello",
	})
	if err != nil {
		t.Fatalf("delivery failure must not propagate, got %v", err)
	}
	if _, ok := repo.items[n.ID]; !ok {
		t.Error("expected notification to be persisted despite delivery failure")
	}
}

func TestCreateNotification_PersistenceFailurePropagates(t *testing.T) {
	svc, repo, _, notifier := newTestService()
	repo.createErr = errBoom

	_, err := svc.CreateNotification(context.Background(), CreatePayload{
		TenantID: "t1", UserID: "u1", Type: TypeSystem, Title: "hello",
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if len(notifier.delivered) != 0 {
		t.Error("nothing should be delivered when persistence fails")
	}
}

func seed(t *testing.T, svc *Service, tenantID, userID string, n int) []*Notification {
	t.Helper()
	var out []*Notification
	for i := 0; i < n; i++ {
		created, err := svc.CreateNotification(context.Background(), CreatePayload{
			TenantID: tenantID, UserID: userID, Type: TypeSystem, Title: "seed",
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		out = append(out, created)
	}
	return out
}

func TestMarkRead_PublishesReadAndCount(t *testing.T) {
	svc, _, _, notifier := newTestService()
	items := seed(t, svc, "t1", "u1", 3)

	if err := svc.MarkRead(context.Background(), "t1", "u1", items[0].ID.String()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notifier.reads) != 1 || notifier.reads[0] != items[0].ID.String() {
		t.Errorf("expected read event for %s, got %v", items[0].ID, notifier.reads)
	}
	last, ok := notifier.lastCount()
	if !ok || last.count != 2 {
		t.Errorf("expected count update of 2, got %+v", last)
	}
}

func TestMarkRead_OtherUsersNotificationNotFound(t *testing.T) {
	svc, _, _, _ := newTestService()
	items := seed(t, svc, "t1", "owner", 1)

	err := svc.MarkRead(context.Background(), "t1", "intruder", items[0].ID.String())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	err = svc.MarkRead(context.Background(), "t2", "owner", items[0].ID.String())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}
}

func TestMarkRead_InvalidID(t *testing.T) {
	svc, _, _, _ := newTestService()
	if err := svc.MarkRead(context.Background(), "t1", "u1", "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkAllRead_Idempotent(t *testing.T) {
	svc, _, _, notifier := newTestService()
	seed(t, svc, "t1", "u1", 4)
	ctx := context.Background()

	n, err := svc.MarkAllRead(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 updated, got %d", n)
	}
	if c, _ := svc.UnreadCount(ctx, "t1", "u1"); c != 0 {
		t.Errorf("expected unread 0 after first call, got %d", c)
	}

	n, err = svc.MarkAllRead(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 updated on second call, got %d", n)
	}
	if c, _ := svc.UnreadCount(ctx, "t1", "u1"); c != 0 {
		t.Errorf("expected unread 0 after second call, got %d", c)
	}
	if last, _ := notifier.lastCount(); last.count != 0 {
		t.Errorf("expected published count 0, got %d", last.count)
	}
	if notifier.reads[len(notifier.reads)-1] != "" {
		t.Error("expected mark-all read event to carry an empty notification id")
	}
}

func TestDelete_OwnerOnly(t *testing.T) {
	svc, repo, _, _ := newTestService()
	items := seed(t, svc, "t1", "owner", 1)
	ctx := context.Background()

	if err := svc.Delete(ctx, "t1", "other", items[0].ID.String()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-owner, got %v", err)
	}
	if err := svc.Delete(ctx, "t1", "owner", items[0].ID.String()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.items) != 0 {
		t.Error("expected notification to be deleted")
	}
}

func TestList_Filters(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	items := seed(t, svc, "t1", "u1", 3)
	_, _ = svc.CreateNotification(ctx, CreatePayload{TenantID: "t1", UserID: "u1", Type: TypeTaskDue, Title: "due"})
	_ = svc.MarkRead(ctx, "t1", "u1", items[0].ID.String())

	all, total, err := svc.List(ctx, "t1", "u1", ListFilter{Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 4 || len(all) != 4 {
		t.Errorf("expected 4 notifications, got total=%d len=%d", total, len(all))
	}

	_, total, _ = svc.List(ctx, "t1", "u1", ListFilter{UnreadOnly: true, Limit: 10})
	if total != 3 {
		t.Errorf("expected 3 unread, got %d", total)
	}

	_, total, _ = svc.List(ctx, "t1", "u1", ListFilter{Type: TypeTaskDue, Limit: 10})
	if total != 1 {
		t.Errorf("expected 1 task_due, got %d", total)
	}

	if _, _, err := svc.List(ctx, "t1", "u1", ListFilter{Type: "bogus"}); err == nil {
		t.Error("expected error for invalid type filter")
	}
}

func TestGetPreferences_LazyDefault(t *testing.T) {
	svc, _, prefs, _ := newTestService()
	p, err := svc.GetPreferences(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.InvoicePaid || !p.MessageReceived || !p.AppointmentReminder {
		t.Errorf("expected all-true defaults, got %+v", p)
	}
	if _, ok := prefs.items["t1/u1"]; !ok {
		t.Error("expected default row to be stored")
	}
}

func TestUpdatePreferences_Partial(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	p, err := svc.UpdatePreferences(ctx, "t1", "u1", PreferenceUpdate{LeadAssigned: boolPtr(false)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.LeadAssigned {
		t.Error("expected lead_assigned to be disabled")
	}
	if !p.LeadStageChanged {
		t.Error("expected untouched fields to keep their value")
	}

	p, _ = svc.UpdatePreferences(ctx, "t1", "u1", PreferenceUpdate{TaskDue: boolPtr(false)})
	if p.LeadAssigned || p.TaskDue {
		t.Errorf("expected both opt-outs to persist, got %+v", p)
	}

	ok, _ := svc.ShouldNotifyUser(ctx, "t1", "u1", TypeLeadAssigned)
	if ok {
		t.Error("expected gate to honour updated preferences")
	}
}
