package pipeline

import (
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/energy-weather-etl/internal/domain"
)

// Default audit thresholds: 55 °C and -45 °C expressed in °F.
const (
	DefaultTempMaxF       = 131.0
	DefaultTempMinF       = -49.0
	DefaultStaleAfterDays = 3
)

// AuditConfig holds the outlier bounds and the freshness limit.
type AuditConfig struct {
	TempMaxF       float64
	TempMinF       float64
	StaleAfterDays int
}

// DefaultAuditConfig returns the standard thresholds.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		TempMaxF:       DefaultTempMaxF,
		TempMinF:       DefaultTempMinF,
		StaleAfterDays: DefaultStaleAfterDays,
	}
}

// Auditor computes quality reports. It holds no per-run state.
type Auditor struct {
	cfg   AuditConfig
	clock clockwork.Clock
}

// NewAuditor creates an Auditor. A nil clock uses the real clock.
func NewAuditor(cfg AuditConfig, clock clockwork.Clock) *Auditor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Auditor{cfg: cfg, clock: clock}
}

type numericColumn struct {
	name  string
	value func(domain.MergedRecord) *float64
}

var numericColumns = []numericColumn{
	{"temperature_max_f", func(r domain.MergedRecord) *float64 { return r.TemperatureMaxF }},
	{"temperature_min_f", func(r domain.MergedRecord) *float64 { return r.TemperatureMinF }},
	{"temperature_avg_f", func(r domain.MergedRecord) *float64 { return r.TemperatureAvgF }},
	{"demand_mwh", func(r domain.MergedRecord) *float64 { return r.DemandMWh }},
}

// Audit summarizes rows without modifying them. An empty input yields a
// report with zero counts.
func (a *Auditor) Audit(rows []domain.MergedRecord) domain.QualityReport {
	report := domain.QualityReport{
		RowCount:           len(rows),
		ColumnCount:        len(domain.Columns),
		MissingValueCounts: make(map[string]int, len(domain.Columns)),
		ValueRanges:        make(map[string]domain.ValueRange, len(numericColumns)),
		FlagCounts:         make(map[domain.Flag]int),
	}
	for _, c := range domain.Columns {
		report.MissingValueCounts[c] = 0
	}

	sums := make(map[string]float64, len(numericColumns))
	var latest *domain.MergedRecord

	for i := range rows {
		r := rows[i]

		hasNull := false
		for _, col := range numericColumns {
			v := col.value(r)
			if v == nil {
				report.MissingValueCounts[col.name]++
				hasNull = true
				continue
			}
			vr := report.ValueRanges[col.name]
			vr.Count++
			if vr.Min == nil || *v < *vr.Min {
				vr.Min = domain.Float(*v)
			}
			if vr.Max == nil || *v > *vr.Max {
				vr.Max = domain.Float(*v)
			}
			report.ValueRanges[col.name] = vr
			sums[col.name] += *v
		}
		if r.City == "" {
			report.MissingValueCounts["city"]++
			hasNull = true
		}
		if r.Date.IsZero() {
			report.MissingValueCounts["date"]++
			hasNull = true
		}
		if hasNull {
			report.RowsWithNulls++
		}

		if len(r.DataQualityFlags) > 0 {
			report.FlaggedRows++
		}
		for _, f := range r.DataQualityFlags {
			report.FlagCounts[f]++
		}

		a.countOutliers(r, &report.Outliers)

		if !r.Date.IsZero() && (latest == nil || r.Date.After(latest.Date)) {
			latest = &rows[i]
		}
	}

	for _, col := range numericColumns {
		vr := report.ValueRanges[col.name]
		if vr.Count > 0 {
			vr.Mean = domain.Float(sums[col.name] / float64(vr.Count))
		}
		report.ValueRanges[col.name] = vr
	}

	if latest != nil {
		day := domain.Day(latest.Date)
		// Rows dated after today count as current.
		days := max(int(domain.Day(a.clock.Now()).Sub(day).Hours()/24), 0)
		report.Freshness = domain.Freshness{
			LatestDate:      &day,
			DaysSinceLatest: days,
			Stale:           days > a.cfg.StaleAfterDays,
		}
	}
	return report
}

func (a *Auditor) countOutliers(r domain.MergedRecord, o *domain.OutlierSummary) {
	above, below := false, false
	for _, v := range []*float64{r.TemperatureMaxF, r.TemperatureMinF, r.TemperatureAvgF} {
		if v == nil {
			continue
		}
		if *v > a.cfg.TempMaxF {
			above = true
		}
		if *v < a.cfg.TempMinF {
			below = true
		}
	}
	if above {
		o.TemperatureAboveMax++
	}
	if below {
		o.TemperatureBelowMin++
	}
	if (r.DemandMWh != nil && *r.DemandMWh < 0) || r.HasFlag(domain.FlagNegativeDemand) {
		o.NegativeDemand++
	}
}
