package domain

import "time"

// ValueRange summarizes a numeric column. Min, Max and Mean are nil when the
// column holds no values.
type ValueRange struct {
	Count int      `json:"count"`
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
	Mean  *float64 `json:"mean"`
}

// OutlierSummary counts rows with implausible values.
type OutlierSummary struct {
	TemperatureAboveMax int `json:"temperature_above_max"`
	TemperatureBelowMin int `json:"temperature_below_min"`
	NegativeDemand      int `json:"negative_demand"`
}

// Total is the number of outlier findings (a row may count more than once).
func (o OutlierSummary) Total() int {
	return o.TemperatureAboveMax + o.TemperatureBelowMin + o.NegativeDemand
}

// Freshness describes how recent the newest row is.
type Freshness struct {
	LatestDate      *time.Time `json:"latest_date"`
	DaysSinceLatest int        `json:"days_since_latest"`
	Stale           bool       `json:"stale"`
}

// QualityReport is the data-quality audit of a merged dataset. It is derived
// from the rows and never mutated after creation.
type QualityReport struct {
	RowCount           int                   `json:"row_count"`
	ColumnCount        int                   `json:"column_count"`
	RowsWithNulls      int                   `json:"rows_with_nulls"`
	MissingValueCounts map[string]int        `json:"missing_value_counts_by_column"`
	ValueRanges        map[string]ValueRange `json:"value_range_summary"`
	FlaggedRows        int                   `json:"flagged_rows"`
	FlagCounts         map[Flag]int          `json:"flag_counts"`
	Outliers           OutlierSummary        `json:"outliers"`
	Freshness          Freshness             `json:"freshness"`
}

// TotalMissing sums the per-column null counts.
func (q QualityReport) TotalMissing() int {
	var n int
	for _, c := range q.MissingValueCounts {
		n += c
	}
	return n
}
