package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/myclinic/clinic/internal/platform/auth"
	"github.com/myclinic/clinic/internal/platform/cache"
	"github.com/myclinic/clinic/internal/platform/metrics"
)

const topServicesLimit = 10

type Service struct {
	store  Store
	cache  cache.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewService builds the report service. A nil cache disables caching.
func NewService(store Store, c cache.Store, logger zerolog.Logger) *Service {
	if c == nil {
		c = cache.Nop{}
	}
	return &Service{
		store:  store,
		cache:  c,
		logger: logger.With().Str("component", "analytics").Logger(),
		now:    time.Now,
	}
}

// request is one resolved report call.
type request struct {
	report string
	id     auth.Identity
	q      Query
	scope  Scope
	cur    Filter
	prev   Filter
}

func (s *Service) resolve(report string, id auth.Identity, q Query) (request, error) {
	scope, err := ResolveScope(id, q.BranchID)
	if err != nil {
		return request{}, err
	}
	cur, prev, err := q.filters(id.TenantID, scope, s.now())
	if err != nil {
		return request{}, err
	}
	return request{report: report, id: id, q: q, scope: scope, cur: cur, prev: prev}, nil
}

// cached returns the stored payload for r when present, otherwise computes,
// stores and returns it. Cache failures are logged and never fail a report.
func cached[T any](ctx context.Context, s *Service, r request, compute func(context.Context, request) (*T, error)) (*T, error) {
	key := CacheKey(r.id.TenantID, r.report, r.q.params(r.scope))

	var hit T
	err := cache.GetJSON(ctx, s.cache, key, &hit)
	if err == nil {
		metrics.AnalyticsCacheHits.WithLabelValues(r.report).Inc()
		return &hit, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn().Err(err).Str("key", key).Msg("analytics cache read failed")
	}
	metrics.AnalyticsCacheMisses.WithLabelValues(r.report).Inc()

	start := time.Now()
	out, err := compute(ctx, r)
	metrics.ObserveReport(r.report, start)
	if err != nil {
		return nil, fmt.Errorf("%s report: %w", r.report, err)
	}

	if err := cache.SetJSON(ctx, s.cache, key, out, TTLFor(r.report, r.q.Granularity)); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("analytics cache write failed")
	}
	return out, nil
}

// =========== Dashboard ===========

func (s *Service) Dashboard(ctx context.Context, id auth.Identity, q Query) (*Dashboard, error) {
	r, err := s.resolve(ReportDashboard, id, q)
	if err != nil {
		return nil, err
	}
	return cached(ctx, s, r, s.computeDashboard)
}

func (s *Service) computeDashboard(ctx context.Context, r request) (*Dashboard, error) {
	now := s.now().UTC()
	today := r.cur
	today.From = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	today.To = today.From.Add(24 * time.Hour)

	var (
		revCur, revPrev     float64
		patCur, patPrev     int64
		statuses, todayBySt map[string]int64
		stages              map[string]int64
		invoices            InvoiceSummary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { revCur, err = s.store.SumPayments(gctx, r.cur); return })
	g.Go(func() (err error) { revPrev, err = s.store.SumPayments(gctx, r.prev); return })
	g.Go(func() (err error) { patCur, err = s.store.NewPatients(gctx, r.cur); return })
	g.Go(func() (err error) { patPrev, err = s.store.NewPatients(gctx, r.prev); return })
	g.Go(func() (err error) { statuses, err = s.store.AppointmentsByStatus(gctx, r.cur); return })
	g.Go(func() (err error) { todayBySt, err = s.store.AppointmentsByStatus(gctx, today); return })
	g.Go(func() (err error) { stages, err = s.store.LeadsByStage(gctx, r.cur); return })
	g.Go(func() (err error) { invoices, err = s.store.InvoiceSummary(gctx, r.cur); return })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	apptTotal := total(statuses)
	leadTotal := total(stages)
	return &Dashboard{
		Revenue: newChange(revCur, revPrev),
		Appointments: DashboardAppointments{
			Total:          apptTotal,
			Completed:      statuses[StatusCompleted],
			CompletionRate: wholePercent(statuses[StatusCompleted], apptTotal),
			Today:          total(todayBySt),
		},
		NewPatients: newChange(float64(patCur), float64(patPrev)),
		Leads: LeadSummary{
			Total:          leadTotal,
			Converted:      stages[StageConverted],
			ConversionRate: ratePercent(float64(stages[StageConverted]), float64(leadTotal)),
		},
		OutstandingInvoices: OutstandingSummary{Count: invoices.OutstandingCount, Amount: invoices.Outstanding},
	}, nil
}

func total(m map[string]int64) int64 {
	var n int64
	for _, v := range m {
		n += v
	}
	return n
}

// =========== Revenue ===========

func (s *Service) Revenue(ctx context.Context, id auth.Identity, q Query) (*RevenueReport, error) {
	r, err := s.resolve(ReportRevenue, id, q)
	if err != nil {
		return nil, err
	}
	return cached(ctx, s, r, s.computeRevenue)
}

func (s *Service) computeRevenue(ctx context.Context, r request) (*RevenueReport, error) {
	var (
		cur, prev float64
		invoices  InvoiceSummary
		points    []Point
		byMethod  map[string]float64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { cur, err = s.store.SumPayments(gctx, r.cur); return })
	g.Go(func() (err error) { prev, err = s.store.SumPayments(gctx, r.prev); return })
	g.Go(func() (err error) { invoices, err = s.store.InvoiceSummary(gctx, r.cur); return })
	g.Go(func() (err error) { points, err = s.store.PaymentPoints(gctx, r.cur); return })
	g.Go(func() (err error) { byMethod, err = s.store.PaymentsByMethod(gctx, r.cur); return })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &RevenueReport{
		Total:          cur,
		Previous:       prev,
		PercentChange:  percentChange(cur, prev),
		Invoiced:       invoices.Invoiced,
		Outstanding:    invoices.Outstanding,
		CollectionRate: ratePercent(invoices.Invoiced-invoices.Outstanding, invoices.Invoiced),
		Trend:          SumByBucket(points, r.q.bucketGranularity()),
		ByMethod:       byMethod,
	}, nil
}

// =========== Patients ===========

func (s *Service) Patients(ctx context.Context, id auth.Identity, q Query) (*PatientReport, error) {
	r, err := s.resolve(ReportPatients, id, q)
	if err != nil {
		return nil, err
	}
	return cached(ctx, s, r, s.computePatients)
}

func (s *Service) computePatients(ctx context.Context, r request) (*PatientReport, error) {
	var (
		all, cur, prev int64
		times          []time.Time
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { all, err = s.store.TotalPatients(gctx, r.cur); return })
	g.Go(func() (err error) { cur, err = s.store.NewPatients(gctx, r.cur); return })
	g.Go(func() (err error) { prev, err = s.store.NewPatients(gctx, r.prev); return })
	g.Go(func() (err error) { times, err = s.store.PatientTimes(gctx, r.cur); return })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &PatientReport{
		Total:         all,
		New:           cur,
		Previous:      prev,
		PercentChange: percentChange(float64(cur), float64(prev)),
		Trend:         CountByBucket(times, r.q.bucketGranularity()),
	}, nil
}

// =========== Appointments ===========

func (s *Service) Appointments(ctx context.Context, id auth.Identity, q Query) (*AppointmentReport, error) {
	r, err := s.resolve(ReportAppointments, id, q)
	if err != nil {
		return nil, err
	}
	return cached(ctx, s, r, s.computeAppointments)
}

func (s *Service) computeAppointments(ctx context.Context, r request) (*AppointmentReport, error) {
	var (
		statuses map[string]int64
		times    []time.Time
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { statuses, err = s.store.AppointmentsByStatus(gctx, r.cur); return })
	g.Go(func() (err error) { times, err = s.store.AppointmentTimes(gctx, r.cur); return })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n := total(statuses)
	return &AppointmentReport{
		Total:            n,
		ByStatus:         statuses,
		CompletionRate:   wholePercent(statuses[StatusCompleted], n),
		CancellationRate: wholePercent(statuses[StatusCancelled], n),
		NoShowRate:       wholePercent(statuses[StatusNoShow], n),
		Trend:            CountByBucket(times, r.q.bucketGranularity()),
	}, nil
}

// =========== Services ===========

func (s *Service) Services(ctx context.Context, id auth.Identity, q Query) (*ServiceReport, error) {
	r, err := s.resolve(ReportServices, id, q)
	if err != nil {
		return nil, err
	}
	return cached(ctx, s, r, func(ctx context.Context, r request) (*ServiceReport, error) {
		stats, err := s.store.TopServices(ctx, r.cur, topServicesLimit)
		if err != nil {
			return nil, err
		}
		if stats == nil {
			stats = []ServiceStat{}
		}
		return &ServiceReport{Services: stats}, nil
	})
}

// =========== Staff ===========

func (s *Service) Staff(ctx context.Context, id auth.Identity, q Query) (*StaffReport, error) {
	r, err := s.resolve(ReportStaff, id, q)
	if err != nil {
		return nil, err
	}
	return cached(ctx, s, r, func(ctx context.Context, r request) (*StaffReport, error) {
		stats, err := s.store.StaffPerformance(ctx, r.cur)
		if err != nil {
			return nil, err
		}
		out := make([]StaffStat, len(stats))
		for i, st := range stats {
			st.CompletionRate = wholePercent(st.Completed, st.Appointments)
			out[i] = st
		}
		return &StaffReport{Staff: out}, nil
	})
}

// =========== Leads ===========

func (s *Service) Leads(ctx context.Context, id auth.Identity, q Query) (*LeadReport, error) {
	r, err := s.resolve(ReportLeads, id, q)
	if err != nil {
		return nil, err
	}
	return cached(ctx, s, r, s.computeLeads)
}

func (s *Service) computeLeads(ctx context.Context, r request) (*LeadReport, error) {
	var (
		stages, sources map[string]int64
		times           []time.Time
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { stages, err = s.store.LeadsByStage(gctx, r.cur); return })
	g.Go(func() (err error) { sources, err = s.store.LeadsBySource(gctx, r.cur); return })
	g.Go(func() (err error) { times, err = s.store.LeadTimes(gctx, r.cur); return })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n := total(stages)
	return &LeadReport{
		Total:          n,
		Converted:      stages[StageConverted],
		ConversionRate: ratePercent(float64(stages[StageConverted]), float64(n)),
		ByStage:        stages,
		BySource:       sources,
		Trend:          CountByBucket(times, r.q.bucketGranularity()),
	}, nil
}

// =========== Export ===========

var exportFormats = map[string]bool{"csv": true, "excel": true, "pdf": true}

// Export returns the named report wrapped with its requested format. The
// format is informational; the data is the same JSON report.
func (s *Service) Export(ctx context.Context, id auth.Identity, reportType, format string, q Query) (*ExportResult, error) {
	if format == "" {
		format = "csv"
	}
	if !exportFormats[format] {
		return nil, ErrInvalidFormat
	}

	var (
		data any
		err  error
	)
	switch reportType {
	case ReportDashboard:
		data, err = s.Dashboard(ctx, id, q)
	case ReportRevenue:
		data, err = s.Revenue(ctx, id, q)
	case ReportPatients:
		data, err = s.Patients(ctx, id, q)
	case ReportAppointments:
		data, err = s.Appointments(ctx, id, q)
	case ReportServices:
		data, err = s.Services(ctx, id, q)
	case ReportStaff:
		data, err = s.Staff(ctx, id, q)
	case ReportLeads:
		data, err = s.Leads(ctx, id, q)
	default:
		return nil, ErrUnknownReport
	}
	if err != nil {
		return nil, err
	}
	return &ExportResult{Type: reportType, Format: format, GeneratedAt: s.now().UTC(), Data: data}, nil
}
