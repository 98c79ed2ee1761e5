package analytics

import (
	"sort"
	"strings"
	"time"
)

const (
	dashboardTTL = time.Minute
	defaultTTL   = time.Minute
)

// CacheKey builds analytics:<tenant>:<report>:<k=v&...> with the non-empty
// params sorted by key, so equal parameter sets always map to one key.
func CacheKey(tenantID, report string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("analytics:")
	b.WriteString(tenantID)
	b.WriteByte(':')
	b.WriteString(report)
	b.WriteByte(':')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// TTLFor picks the cache lifetime for a report. The dashboard summary is
// always short-lived.
func TTLFor(report string, g Granularity) time.Duration {
	if report == ReportDashboard {
		return dashboardTTL
	}
	switch g {
	case GranularityDaily:
		return 5 * time.Minute
	case GranularityWeekly:
		return 15 * time.Minute
	case GranularityMonthly:
		return time.Hour
	default:
		return defaultTTL
	}
}
