package analytics

import (
	"context"
	"time"
)

// Store runs the aggregate queries behind the reports. Every method is scoped
// to f.TenantID and f.BranchIDs; range-bound methods read [f.From, f.To).
type Store interface {
	// Payments
	SumPayments(ctx context.Context, f Filter) (float64, error)
	PaymentsByMethod(ctx context.Context, f Filter) (map[string]float64, error)
	PaymentPoints(ctx context.Context, f Filter) ([]Point, error)

	// Invoices
	InvoiceSummary(ctx context.Context, f Filter) (InvoiceSummary, error)

	// Patients. TotalPatients ignores the time range.
	TotalPatients(ctx context.Context, f Filter) (int64, error)
	NewPatients(ctx context.Context, f Filter) (int64, error)
	PatientTimes(ctx context.Context, f Filter) ([]time.Time, error)

	// Appointments
	AppointmentsByStatus(ctx context.Context, f Filter) (map[string]int64, error)
	AppointmentTimes(ctx context.Context, f Filter) ([]time.Time, error)
	TopServices(ctx context.Context, f Filter, limit int) ([]ServiceStat, error)
	StaffPerformance(ctx context.Context, f Filter) ([]StaffStat, error)

	// Leads
	LeadsByStage(ctx context.Context, f Filter) (map[string]int64, error)
	LeadsBySource(ctx context.Context, f Filter) (map[string]int64, error)
	LeadTimes(ctx context.Context, f Filter) ([]time.Time, error)
}
