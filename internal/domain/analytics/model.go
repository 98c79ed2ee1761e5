// Package analytics computes read-only KPI and trend reports over a tenant's
// operational data. Reports are cached per tenant and parameter set with a
// TTL that follows the requested granularity.
package analytics

import (
	"errors"
	"time"
)

var (
	ErrInvalidGranularity = errors.New("granularity must be one of daily, weekly, monthly")
	ErrInvalidDate        = errors.New("dates must be RFC 3339 or YYYY-MM-DD")
	ErrInvalidRange       = errors.New("dateFrom must not be after dateTo")
	ErrBranchForbidden    = errors.New("branch not permitted for caller")
	ErrUnknownReport      = errors.New("unknown report type")
	ErrInvalidFormat      = errors.New("format must be one of csv, excel, pdf")
)

type Granularity string

const (
	GranularityDaily   Granularity = "daily"
	GranularityWeekly  Granularity = "weekly"
	GranularityMonthly Granularity = "monthly"
)

func (g Granularity) Valid() bool {
	switch g {
	case GranularityDaily, GranularityWeekly, GranularityMonthly:
		return true
	}
	return false
}

// Report names. They double as cache key segments and metric labels.
const (
	ReportDashboard    = "dashboard"
	ReportRevenue      = "revenue"
	ReportPatients     = "patients"
	ReportAppointments = "appointments"
	ReportServices     = "services"
	ReportStaff        = "staff"
	ReportLeads        = "leads"
)

// Appointment statuses counted by the reports.
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusNoShow    = "no_show"
)

// StageConverted is the lead stage that counts toward conversion.
const StageConverted = "converted"

// Query holds the request parameters common to every report.
type Query struct {
	DateFrom    *time.Time
	DateTo      *time.Time
	Granularity Granularity
	BranchID    string
}

// Filter is what the store sees: one tenant, a half-open time range and the
// effective branch set. Nil BranchIDs means every branch of the tenant.
type Filter struct {
	TenantID  string
	From      time.Time
	To        time.Time
	BranchIDs []string
}

// Point is one timestamped record value fed into a trend.
type Point struct {
	At    time.Time
	Value float64
}

type TrendPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// Change compares a value with the preceding period of equal length.
type Change struct {
	Current       float64 `json:"current"`
	Previous      float64 `json:"previous"`
	PercentChange float64 `json:"percentChange"`
}

func newChange(cur, prev float64) Change {
	return Change{Current: cur, Previous: prev, PercentChange: percentChange(cur, prev)}
}

type InvoiceSummary struct {
	Invoiced         float64 `json:"invoiced"`
	Outstanding      float64 `json:"outstanding"`
	OutstandingCount int64   `json:"outstandingCount"`
}

type ServiceStat struct {
	ServiceID    string  `json:"serviceId"`
	Name         string  `json:"name"`
	Appointments int64   `json:"appointments"`
	Revenue      float64 `json:"revenue"`
}

type StaffStat struct {
	StaffID        string  `json:"staffId"`
	Name           string  `json:"name"`
	Appointments   int64   `json:"appointments"`
	Completed      int64   `json:"completed"`
	CompletionRate int     `json:"completionRate"`
	Revenue        float64 `json:"revenue"`
}

// =========== Reports ===========

type DashboardAppointments struct {
	Total          int64 `json:"total"`
	Completed      int64 `json:"completed"`
	CompletionRate int   `json:"completionRate"`
	Today          int64 `json:"today"`
}

type LeadSummary struct {
	Total          int64   `json:"total"`
	Converted      int64   `json:"converted"`
	ConversionRate float64 `json:"conversionRate"`
}

type OutstandingSummary struct {
	Count  int64   `json:"count"`
	Amount float64 `json:"amount"`
}

type Dashboard struct {
	Revenue             Change                `json:"revenue"`
	Appointments        DashboardAppointments `json:"appointments"`
	NewPatients         Change                `json:"newPatients"`
	Leads               LeadSummary           `json:"leads"`
	OutstandingInvoices OutstandingSummary    `json:"outstandingInvoices"`
}

type RevenueReport struct {
	Total          float64            `json:"total"`
	Previous       float64            `json:"previous"`
	PercentChange  float64            `json:"percentChange"`
	Invoiced       float64            `json:"invoiced"`
	Outstanding    float64            `json:"outstanding"`
	CollectionRate float64            `json:"collectionRate"`
	Trend          []TrendPoint       `json:"trend"`
	ByMethod       map[string]float64 `json:"byMethod"`
}

type PatientReport struct {
	Total         int64        `json:"total"`
	New           int64        `json:"new"`
	Previous      int64        `json:"previous"`
	PercentChange float64      `json:"percentChange"`
	Trend         []TrendPoint `json:"trend"`
}

type AppointmentReport struct {
	Total            int64            `json:"total"`
	ByStatus         map[string]int64 `json:"byStatus"`
	CompletionRate   int              `json:"completionRate"`
	CancellationRate int              `json:"cancellationRate"`
	NoShowRate       int              `json:"noShowRate"`
	Trend            []TrendPoint     `json:"trend"`
}

type ServiceReport struct {
	Services []ServiceStat `json:"services"`
}

type StaffReport struct {
	Staff []StaffStat `json:"staff"`
}

type LeadReport struct {
	Total          int64            `json:"total"`
	Converted      int64            `json:"converted"`
	ConversionRate float64          `json:"conversionRate"`
	ByStage        map[string]int64 `json:"byStage"`
	BySource       map[string]int64 `json:"bySource"`
	Trend          []TrendPoint     `json:"trend"`
}

// ExportResult wraps a report for download. The payload is always JSON;
// clients convert to the requested format.
type ExportResult struct {
	Type        string    `json:"type"`
	Format      string    `json:"format"`
	GeneratedAt time.Time `json:"generatedAt"`
	Data        any       `json:"data"`
}
