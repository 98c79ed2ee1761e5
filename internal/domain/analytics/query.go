package analytics

import (
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/myclinic/clinic/internal/platform/auth"
)

const (
	defaultRange = 30 * 24 * time.Hour
	dateOnly     = "2006-01-02"
)

// ParseQuery reads dateFrom, dateTo, granularity and branchId. A date-only
// dateTo covers that whole day.
func ParseQuery(v url.Values) (Query, error) {
	var q Query

	if s := strings.TrimSpace(v.Get("dateFrom")); s != "" {
		t, err := parseDate(s, false)
		if err != nil {
			return Query{}, err
		}
		q.DateFrom = &t
	}
	if s := strings.TrimSpace(v.Get("dateTo")); s != "" {
		t, err := parseDate(s, true)
		if err != nil {
			return Query{}, err
		}
		q.DateTo = &t
	}
	if q.DateFrom != nil && q.DateTo != nil && q.DateFrom.After(*q.DateTo) {
		return Query{}, ErrInvalidRange
	}

	if g := strings.TrimSpace(v.Get("granularity")); g != "" {
		q.Granularity = Granularity(strings.ToLower(g))
		if !q.Granularity.Valid() {
			return Query{}, ErrInvalidGranularity
		}
	}
	q.BranchID = strings.TrimSpace(v.Get("branchId"))
	return q, nil
}

func parseDate(s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateOnly, s)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	if endOfDay {
		t = t.Add(24 * time.Hour)
	}
	return t, nil
}

// Scope is the set of branches a report may read.
type Scope struct {
	All       bool
	BranchIDs []string
}

// ResolveScope intersects the requested branch with what the caller may see.
// Privileged roles may read any branch or all of them; everyone else is held
// to their assigned branches, and a request outside them is forbidden.
func ResolveScope(id auth.Identity, branchID string) (Scope, error) {
	if id.Privileged() {
		if branchID == "" {
			return Scope{All: true}, nil
		}
		return Scope{BranchIDs: []string{branchID}}, nil
	}

	if branchID != "" {
		if !slices.Contains(id.BranchIDs, branchID) {
			return Scope{}, ErrBranchForbidden
		}
		return Scope{BranchIDs: []string{branchID}}, nil
	}
	if len(id.BranchIDs) == 0 {
		return Scope{}, ErrBranchForbidden
	}
	ids := slices.Clone(id.BranchIDs)
	slices.Sort(ids)
	return Scope{BranchIDs: slices.Compact(ids)}, nil
}

func (s Scope) filterIDs() []string {
	if s.All {
		return nil
	}
	return s.BranchIDs
}

func (s Scope) key() string {
	if s.All {
		return "*"
	}
	return strings.Join(s.BranchIDs, ",")
}

// period resolves the requested range, defaulting to the 30 days ending now.
func (q Query) period(now time.Time) (from, to time.Time) {
	to = now.UTC()
	if q.DateTo != nil {
		to = *q.DateTo
	}
	from = to.Add(-defaultRange)
	if q.DateFrom != nil {
		from = *q.DateFrom
	}
	return from, to
}

// filters returns the current period and the preceding period of equal
// length that ends where the current one starts. A window that resolves to
// from after to, such as a future dateFrom with no dateTo, is ErrInvalidRange.
func (q Query) filters(tenantID string, scope Scope, now time.Time) (cur, prev Filter, err error) {
	from, to := q.period(now)
	if from.After(to) {
		return Filter{}, Filter{}, ErrInvalidRange
	}
	branches := scope.filterIDs()
	cur = Filter{TenantID: tenantID, From: from, To: to, BranchIDs: branches}
	prev = Filter{TenantID: tenantID, From: from.Add(-to.Sub(from)), To: from, BranchIDs: branches}
	return cur, prev, nil
}

// params lists the cache-relevant parameters; empty values are dropped by
// CacheKey.
func (q Query) params(scope Scope) map[string]string {
	p := map[string]string{
		"granularity": string(q.Granularity),
		"branchId":    q.BranchID,
		"branches":    scope.key(),
	}
	if q.DateFrom != nil {
		p["dateFrom"] = q.DateFrom.UTC().Format(time.RFC3339)
	}
	if q.DateTo != nil {
		p["dateTo"] = q.DateTo.UTC().Format(time.RFC3339)
	}
	return p
}

// bucketGranularity is the granularity used for trends; unspecified means daily.
func (q Query) bucketGranularity() Granularity {
	if q.Granularity == "" {
		return GranularityDaily
	}
	return q.Granularity
}
