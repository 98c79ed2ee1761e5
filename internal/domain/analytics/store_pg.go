package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/myclinic/clinic/internal/platform/db"
)

type pgStore struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) conn(ctx context.Context) db.Queryable {
	return db.Resolve(ctx, s.pool)
}

// scoped renders the tenant, branch and range predicates on alias, binding
// $1..$4 in the order returned by args.
func scoped(alias, timeCol string) string {
	return fmt.Sprintf(`%[1]s.tenant_id = $1
		AND ($2::text[] IS NULL OR %[1]s.branch_id = ANY($2))
		AND %[1]s.%[2]s >= $3 AND %[1]s.%[2]s < $4`, alias, timeCol)
}

func (f Filter) args() []interface{} {
	return []interface{}{f.TenantID, f.BranchIDs, f.From, f.To}
}

func (s *pgStore) scalarFloat(ctx context.Context, query string, args ...interface{}) (float64, error) {
	var v float64
	err := s.conn(ctx).QueryRow(ctx, query, args...).Scan(&v)
	return v, err
}

func (s *pgStore) scalarInt(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var v int64
	err := s.conn(ctx).QueryRow(ctx, query, args...).Scan(&v)
	return v, err
}

func (s *pgStore) times(ctx context.Context, query string, args ...interface{}) ([]time.Time, error) {
	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[time.Time])
}

func (s *pgStore) countsBy(ctx context.Context, query string, args ...interface{}) (map[string]int64, error) {
	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}

// =========== Payments ===========

func (s *pgStore) SumPayments(ctx context.Context, f Filter) (float64, error) {
	return s.scalarFloat(ctx, `SELECT COALESCE(SUM(p.amount), 0)::float8 FROM payments p
		WHERE `+scoped("p", "paid_at"), f.args()...)
}

func (s *pgStore) PaymentsByMethod(ctx context.Context, f Filter) (map[string]float64, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT p.method, COALESCE(SUM(p.amount), 0)::float8
		FROM payments p WHERE `+scoped("p", "paid_at")+` GROUP BY p.method`, f.args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var method string
		var amount float64
		if err := rows.Scan(&method, &amount); err != nil {
			return nil, err
		}
		out[method] = amount
	}
	return out, rows.Err()
}

func (s *pgStore) PaymentPoints(ctx context.Context, f Filter) ([]Point, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT p.paid_at, p.amount::float8 FROM payments p
		WHERE `+scoped("p", "paid_at")+` ORDER BY p.paid_at`, f.args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.At, &p.Value); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =========== Invoices ===========

func (s *pgStore) InvoiceSummary(ctx context.Context, f Filter) (InvoiceSummary, error) {
	var sum InvoiceSummary
	err := s.conn(ctx).QueryRow(ctx, `SELECT
			COALESCE(SUM(i.total), 0)::float8,
			COALESCE(SUM(i.total - i.amount_paid) FILTER (WHERE i.status <> 'paid' AND i.status <> 'void'), 0)::float8,
			COUNT(*) FILTER (WHERE i.status <> 'paid' AND i.status <> 'void')
		FROM invoices i WHERE `+scoped("i", "issued_at"), f.args()...).
		Scan(&sum.Invoiced, &sum.Outstanding, &sum.OutstandingCount)
	return sum, err
}

// =========== Patients ===========

func (s *pgStore) TotalPatients(ctx context.Context, f Filter) (int64, error) {
	return s.scalarInt(ctx, `SELECT COUNT(*) FROM patients p
		WHERE p.tenant_id = $1 AND ($2::text[] IS NULL OR p.branch_id = ANY($2))`,
		f.TenantID, f.BranchIDs)
}

func (s *pgStore) NewPatients(ctx context.Context, f Filter) (int64, error) {
	return s.scalarInt(ctx, `SELECT COUNT(*) FROM patients p WHERE `+scoped("p", "created_at"), f.args()...)
}

func (s *pgStore) PatientTimes(ctx context.Context, f Filter) ([]time.Time, error) {
	return s.times(ctx, `SELECT p.created_at FROM patients p WHERE `+scoped("p", "created_at")+
		` ORDER BY p.created_at`, f.args()...)
}

// =========== Appointments ===========

func (s *pgStore) AppointmentsByStatus(ctx context.Context, f Filter) (map[string]int64, error) {
	return s.countsBy(ctx, `SELECT a.status, COUNT(*) FROM appointments a
		WHERE `+scoped("a", "starts_at")+` GROUP BY a.status`, f.args()...)
}

func (s *pgStore) AppointmentTimes(ctx context.Context, f Filter) ([]time.Time, error) {
	return s.times(ctx, `SELECT a.starts_at FROM appointments a WHERE `+scoped("a", "starts_at")+
		` ORDER BY a.starts_at`, f.args()...)
}

// invoiceTotals collapses invoices to one row per appointment so joining it
// never multiplies appointment rows. Void invoices carry no revenue.
const invoiceTotals = `LEFT JOIN (
			SELECT appointment_id, SUM(total) AS total
			FROM invoices
			WHERE tenant_id = $1 AND appointment_id IS NOT NULL AND status <> 'void'
			GROUP BY appointment_id
		) i ON i.appointment_id = a.id`

var topServicesSQL = `SELECT sv.id::text, sv.name, COUNT(a.id),
			COALESCE(SUM(i.total), 0)::float8 AS revenue
		FROM appointments a
		JOIN services sv ON sv.id = a.service_id AND sv.tenant_id = a.tenant_id
		` + invoiceTotals + `
		WHERE ` + scoped("a", "starts_at") + `
		GROUP BY sv.id, sv.name
		ORDER BY revenue DESC, sv.name
		LIMIT $5`

var staffPerformanceSQL = `SELECT st.id::text, st.name, COUNT(a.id),
			COUNT(a.id) FILTER (WHERE a.status = 'completed'),
			COALESCE(SUM(i.total), 0)::float8
		FROM appointments a
		JOIN staff st ON st.id = a.staff_id AND st.tenant_id = a.tenant_id
		` + invoiceTotals + `
		WHERE ` + scoped("a", "starts_at") + `
		GROUP BY st.id, st.name
		ORDER BY COUNT(a.id) DESC, st.name`

func (s *pgStore) TopServices(ctx context.Context, f Filter, limit int) ([]ServiceStat, error) {
	rows, err := s.conn(ctx).Query(ctx, topServicesSQL, append(f.args(), limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ServiceStat
	for rows.Next() {
		var st ServiceStat
		if err := rows.Scan(&st.ServiceID, &st.Name, &st.Appointments, &st.Revenue); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *pgStore) StaffPerformance(ctx context.Context, f Filter) ([]StaffStat, error) {
	rows, err := s.conn(ctx).Query(ctx, staffPerformanceSQL, f.args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StaffStat
	for rows.Next() {
		var st StaffStat
		if err := rows.Scan(&st.StaffID, &st.Name, &st.Appointments, &st.Completed, &st.Revenue); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// =========== Leads ===========

func (s *pgStore) LeadsByStage(ctx context.Context, f Filter) (map[string]int64, error) {
	return s.countsBy(ctx, `SELECT l.stage, COUNT(*) FROM leads l
		WHERE `+scoped("l", "created_at")+` GROUP BY l.stage`, f.args()...)
}

func (s *pgStore) LeadsBySource(ctx context.Context, f Filter) (map[string]int64, error) {
	return s.countsBy(ctx, `SELECT COALESCE(l.source, 'unknown'), COUNT(*) FROM leads l
		WHERE `+scoped("l", "created_at")+` GROUP BY 1`, f.args()...)
}

func (s *pgStore) LeadTimes(ctx context.Context, f Filter) ([]time.Time, error) {
	return s.times(ctx, `SELECT l.created_at FROM leads l WHERE `+scoped("l", "created_at")+
		` ORDER BY l.created_at`, f.args()...)
}
