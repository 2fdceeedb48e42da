package domain

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Flag tags a record with a reconciliation anomaly. Flags describe the data;
// they are never pipeline errors.
type Flag string

const (
	FlagMissingWeather        Flag = "missing_weather"
	FlagMissingEnergy         Flag = "missing_energy"
	FlagDuplicateKeyCollapsed Flag = "duplicate_key_collapsed"
	FlagPartialTemperature    Flag = "partial_temperature"
	FlagPartialDemand         Flag = "partial_demand"
	FlagNegativeDemand        Flag = "negative_demand"
)

// Key is the merge key of a canonical record.
type Key struct {
	City string
	Date time.Time
}

// CanonicalRecord is a normalized row produced by a data source.
type CanonicalRecord interface {
	RecordKey() Key
}

// WeatherRecord is one city-day of normalized temperatures in Fahrenheit.
// A nil temperature means the provider reported no value.
type WeatherRecord struct {
	City            string    `json:"city"`
	Date            time.Time `json:"date"`
	TemperatureMaxF *float64  `json:"temperature_max_f"`
	TemperatureMinF *float64  `json:"temperature_min_f"`
	TemperatureAvgF *float64  `json:"temperature_avg_f"`
	SourceStationID string    `json:"source_station_id"`
	Flags           []Flag    `json:"flags,omitempty"`
}

func (r WeatherRecord) RecordKey() Key { return Key{City: r.City, Date: r.Date} }

// EnergyRecord is one city-day of electricity demand. DemandMWh is nil when
// the provider had no usable reading; it is never negative.
type EnergyRecord struct {
	City                     string    `json:"city"`
	Date                     time.Time `json:"date"`
	DemandMWh                *float64  `json:"demand_mwh"`
	SourceBalancingAuthority string    `json:"source_balancing_authority"`
	Flags                    []Flag    `json:"flags,omitempty"`
}

func (r EnergyRecord) RecordKey() Key { return Key{City: r.City, Date: r.Date} }

// Columns of the canonical merged table, in serialization order. Downstream
// consumers depend on these names.
var Columns = []string{
	"city",
	"date",
	"temperature_max_f",
	"temperature_min_f",
	"temperature_avg_f",
	"demand_mwh",
	"data_quality_flags",
}

// MergedRecord is one row of the analysis-ready table, unique per (city, date).
type MergedRecord struct {
	City             string    `json:"city"`
	Date             time.Time `json:"date"`
	TemperatureMaxF  *float64  `json:"temperature_max_f"`
	TemperatureMinF  *float64  `json:"temperature_min_f"`
	TemperatureAvgF  *float64  `json:"temperature_avg_f"`
	DemandMWh        *float64  `json:"demand_mwh"`
	DataQualityFlags []Flag    `json:"data_quality_flags"`
}

func (r MergedRecord) RecordKey() Key { return Key{City: r.City, Date: r.Date} }

// HasFlag reports whether f is set on the row.
func (r MergedRecord) HasFlag(f Flag) bool {
	for _, g := range r.DataQualityFlags {
		if g == f {
			return true
		}
	}
	return false
}

// CSVRow renders the row in Columns order. Nulls become empty cells and
// flags are joined with ";".
func (r MergedRecord) CSVRow() []string {
	flags := make([]string, len(r.DataQualityFlags))
	for i, f := range r.DataQualityFlags {
		flags[i] = string(f)
	}
	return []string{
		r.City,
		r.Date.Format(dateLayout),
		FormatNullable(r.TemperatureMaxF),
		FormatNullable(r.TemperatureMinF),
		FormatNullable(r.TemperatureAvgF),
		FormatNullable(r.DemandMWh),
		strings.Join(flags, ";"),
	}
}

// MarshalJSON writes the date as a calendar day.
func (r MergedRecord) MarshalJSON() ([]byte, error) {
	type alias MergedRecord
	flags := r.DataQualityFlags
	if flags == nil {
		flags = []Flag{}
	}
	return json.Marshal(struct {
		alias
		Date             string `json:"date"`
		DataQualityFlags []Flag `json:"data_quality_flags"`
	}{alias: alias(r), Date: r.Date.Format(dateLayout), DataQualityFlags: flags})
}

// FormatNullable renders a nullable float for tabular output.
func FormatNullable(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// Float returns a pointer to v, for building nullable fields.
func Float(v float64) *float64 { return &v }

// AddFlag appends f unless it is already present, keeping flags sorted.
func AddFlag(flags []Flag, f Flag) []Flag {
	for _, g := range flags {
		if g == f {
			return flags
		}
	}
	flags = append(flags, f)
	sort.Slice(flags, func(i, j int) bool { return flags[i] < flags[j] })
	return flags
}

// WindowOmission records a request window whose records are missing from a
// collection because the provider kept failing transiently.
type WindowOmission struct {
	Source   string    `json:"source"`
	City     string    `json:"city"`
	Window   DateRange `json:"window"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
}

// Collection is the output of one source for one city and date range.
type Collection[R CanonicalRecord] struct {
	Records []R
	// Raw holds the provider's individual data items, for snapshots.
	Raw     []json.RawMessage
	Omitted []WindowOmission
}

// MarshalJSON writes the window as ISO dates.
func (r DateRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Start string `json:"start"`
		End   string `json:"end"`
	}{r.StartString(), r.EndString()})
}
