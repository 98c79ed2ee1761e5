package analytics

import (
	"testing"
	"time"
)

func TestCacheKey_Deterministic(t *testing.T) {
	a := map[string]string{}
	a["granularity"] = "daily"
	a["dateFrom"] = "2024-01-01T00:00:00Z"
	a["branchId"] = "b1"

	b := map[string]string{}
	b["branchId"] = "b1"
	b["dateFrom"] = "2024-01-01T00:00:00Z"
	b["granularity"] = "daily"

	ka, kb := CacheKey("t1", ReportRevenue, a), CacheKey("t1", ReportRevenue, b)
	if ka != kb {
		t.Fatalf("expected equal keys, got %q and %q", ka, kb)
	}
	want := "analytics:t1:revenue:branchId=b1&dateFrom=2024-01-01T00:00:00Z&granularity=daily"
	if ka != want {
		t.Errorf("expected %q, got %q", want, ka)
	}
}

func TestCacheKey_SkipsEmptyValues(t *testing.T) {
	got := CacheKey("t1", ReportDashboard, map[string]string{"granularity": "", "branches": "*"})
	if got != "analytics:t1:dashboard:branches=*" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestCacheKey_TenantAndReportSeparate(t *testing.T) {
	p := map[string]string{"granularity": "daily"}
	if CacheKey("t1", ReportRevenue, p) == CacheKey("t2", ReportRevenue, p) {
		t.Error("tenants must not share keys")
	}
	if CacheKey("t1", ReportRevenue, p) == CacheKey("t1", ReportLeads, p) {
		t.Error("reports must not share keys")
	}
}

func TestQueryParams_NormalizeDates(t *testing.T) {
	q1, err := ParseQuery(map[string][]string{"dateFrom": {"2024-01-01"}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q2, err := ParseQuery(map[string][]string{"dateFrom": {"2024-01-01T00:00:00Z"}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	scope := Scope{All: true}
	if CacheKey("t1", ReportRevenue, q1.params(scope)) != CacheKey("t1", ReportRevenue, q2.params(scope)) {
		t.Error("equivalent dates should produce the same key")
	}
}

func TestTTLFor(t *testing.T) {
	tests := []struct {
		report string
		g      Granularity
		want   time.Duration
	}{
		{ReportRevenue, GranularityDaily, 5 * time.Minute},
		{ReportRevenue, GranularityWeekly, 15 * time.Minute},
		{ReportRevenue, GranularityMonthly, time.Hour},
		{ReportRevenue, "", time.Minute},
		{ReportDashboard, GranularityMonthly, time.Minute},
		{ReportDashboard, "", time.Minute},
	}
	for _, tt := range tests {
		if got := TTLFor(tt.report, tt.g); got != tt.want {
			t.Errorf("TTLFor(%s, %q): expected %v, got %v", tt.report, tt.g, tt.want, got)
		}
	}
}
