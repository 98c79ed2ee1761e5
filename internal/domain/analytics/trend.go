package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// BucketLabel maps t to its trend bucket in UTC. Weekly buckets start on the
// Sunday on or before t and are labelled YYYY-Www by that Sunday's day of year.
func BucketLabel(t time.Time, g Granularity) string {
	t = t.UTC()
	switch g {
	case GranularityWeekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		start := day.AddDate(0, 0, -int(day.Weekday()))
		return fmt.Sprintf("%d-W%02d", start.Year(), (start.YearDay()-1)/7+1)
	case GranularityMonthly:
		return t.Format("2006-01")
	default:
		return t.Format(dateOnly)
	}
}

// SumByBucket totals point values per bucket, sorted ascending by label.
func SumByBucket(points []Point, g Granularity) []TrendPoint {
	sums := make(map[string]float64)
	for _, p := range points {
		sums[BucketLabel(p.At, g)] += p.Value
	}
	return sortedTrend(sums)
}

// CountByBucket counts timestamps per bucket, sorted ascending by label.
func CountByBucket(times []time.Time, g Granularity) []TrendPoint {
	counts := make(map[string]float64)
	for _, t := range times {
		counts[BucketLabel(t, g)]++
	}
	return sortedTrend(counts)
}

func sortedTrend(m map[string]float64) []TrendPoint {
	out := make([]TrendPoint, 0, len(m))
	for label, v := range m {
		out = append(out, TrendPoint{Date: label, Value: round2(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// percentChange is 0 when prev is 0; that conflates "no prior data" with
// "no change" and callers rely on it never being Inf or NaN.
func percentChange(cur, prev float64) float64 {
	if prev == 0 {
		return 0
	}
	return round2((cur - prev) / prev * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// wholePercent is part/total as a whole-number percentage.
func wholePercent(part, total int64) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(part) / float64(total) * 100))
}

// ratePercent is part/total as a percentage rounded to the hundredth.
func ratePercent(part, total float64) float64 {
	if total == 0 {
		return 0
	}
	return round2(part / total * 100)
}
