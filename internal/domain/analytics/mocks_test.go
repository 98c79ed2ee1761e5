package analytics

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

var errBoom = errors.New("boom")

// row is one operational record: a timestamp, a branch and a category value
// (status, stage or payment method) with an optional amount.
type row struct {
	branch string
	at     time.Time
	kind   string
	source string
	amount float64
}

func (f Filter) matches(r row) bool {
	if f.BranchIDs != nil && !slices.Contains(f.BranchIDs, r.branch) {
		return false
	}
	return !r.at.Before(f.From) && r.at.Before(f.To)
}

type fakeStore struct {
	mu           sync.Mutex
	payments     []row
	patients     []row
	appointments []row
	leads        []row
	invoices     InvoiceSummary
	services     []ServiceStat
	staff        []StaffStat
	err          error
	calls        int
	filters      []Filter
}

func (s *fakeStore) record(f Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.filters = append(s.filters, f)
	return s.err
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func matching(rows []row, f Filter) []row {
	var out []row
	for _, r := range rows {
		if f.matches(r) {
			out = append(out, r)
		}
	}
	return out
}

func countKinds(rows []row, key func(row) string) map[string]int64 {
	out := make(map[string]int64)
	for _, r := range rows {
		out[key(r)]++
	}
	return out
}

func timesOf(rows []row) []time.Time {
	out := make([]time.Time, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.at)
	}
	return out
}

func (s *fakeStore) SumPayments(_ context.Context, f Filter) (float64, error) {
	if err := s.record(f); err != nil {
		return 0, err
	}
	var sum float64
	for _, r := range matching(s.payments, f) {
		sum += r.amount
	}
	return sum, nil
}

func (s *fakeStore) PaymentsByMethod(_ context.Context, f Filter) (map[string]float64, error) {
	if err := s.record(f); err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, r := range matching(s.payments, f) {
		out[r.kind] += r.amount
	}
	return out, nil
}

func (s *fakeStore) PaymentPoints(_ context.Context, f Filter) ([]Point, error) {
	if err := s.record(f); err != nil {
		return nil, err
	}
	var out []Point
	for _, r := range matching(s.payments, f) {
		out = append(out, Point{At: r.at, Value: r.amount})
	}
	return out, nil
}

func (s *fakeStore) InvoiceSummary(_ context.Context, f Filter) (InvoiceSummary, error) {
	if err := s.record(f); err != nil {
		return InvoiceSummary{}, err
	}
	return s.invoices, nil
}

func (s *fakeStore) TotalPatients(_ context.Context, f Filter) (int64, error) {
	if err := s.record(f); err != nil {
		return 0, err
	}
	var n int64
	for _, r := range s.patients {
		if f.BranchIDs == nil || slices.Contains(f.BranchIDs, r.branch) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) NewPatients(_ context.Context, f Filter) (int64, error) {
	if err := s.record(f); err != nil {
		return 0, err
	}
	return int64(len(matching(s.patients, f))), nil
}

func (s *fakeStore) PatientTimes(_ context.Context, f Filter) ([]time.Time, error) {
	if err := s.record(f); err != nil {
		return nil, err
	}
	return timesOf(matching(s.patients, f)), nil
}

func (s *fakeStore) AppointmentsByStatus(_ context.Context, f Filter) (map[string]int64, error) {
	if err := s.record(f); err != nil {
		return nil, err
	}
	return countKinds(matching(s.appointments, f), func(r row) string { return r.kind }), nil
}

func (s *fakeStore) AppointmentTimes(_ context.Context, f Filter) ([]time.Time, error) {
	if err := s.record(f); err != nil {
		return nil, err
	}
	return timesOf(matching(s.appointments, f)), nil
}

func (s *fakeStore) TopServices(_ context.Context, f Filter, limit int) ([]ServiceStat, error) {
	if err := s.record(f); err != nil {
		return nil, err
	}
	if len(s.services) > limit {
		return s.services[:limit], nil
	}
	return s.services, nil
}

func (s *fakeStore) StaffPerformance(_ context.Context, f Filter) ([]StaffStat, error) {
	if err := s.record(f); err != nil {
		return nil, err
	}
	return s.staff, nil
}

func (s *fakeStore) LeadsByStage(_ context.Context, f Filter) (map[string]int64, error) {
	if err := s.record(f); err != nil {
		return nil, err
	}
	return countKinds(matching(s.leads, f), func(r row) string { return r.kind }), nil
}

func (s *fakeStore) LeadsBySource(_ context.Context, f Filter) (map[string]int64, error) {
	if err := s.record(f); err != nil {
		return nil, err
	}
	return countKinds(matching(s.leads, f), func(r row) string { return r.source }), nil
}

func (s *fakeStore) LeadTimes(_ context.Context, f Filter) ([]time.Time, error) {
	if err := s.record(f); err != nil {
		return nil, err
	}
	return timesOf(matching(s.leads, f)), nil
}

// brokenCache fails every operation, as an unreachable Redis would.
type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, error) { return nil, errBoom }
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error { return errBoom }
func (brokenCache) Delete(context.Context, string) error { return errBoom }
