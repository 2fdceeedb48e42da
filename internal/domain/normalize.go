package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// providerDateLayouts are tried in order by ParseProviderDate.
var providerDateLayouts = []string{
	dateLayout,
	"2006-01-02T15:04:05",
	"2006-01-02T15",
	time.RFC3339,
}

// ParseProviderDate parses a provider date or timestamp string into the
// calendar day it falls on. Timestamps are truncated, not converted.
func ParseProviderDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range providerDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Day(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized provider date %q", s)
}

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Temperature datatypes reported by the GHCND daily summaries dataset.
const (
	DatatypeTMAX = "TMAX"
	DatatypeTMIN = "TMIN"
	DatatypeTAVG = "TAVG"
)

// TemperatureDatatypes lists the GHCND datatypes requested for each city.
var TemperatureDatatypes = []string{DatatypeTMAX, DatatypeTMIN, DatatypeTAVG}

// DailyTemperatures holds the per-datatype readings reported for one day,
// possibly from several stations, in tenths of a degree Celsius.
type DailyTemperatures struct {
	Max      []float64
	Min      []float64
	Avg      []float64
	Stations []string
}

// Add records a reading for the given datatype. Unknown datatypes are ignored.
func (d *DailyTemperatures) Add(datatype, station string, tenths float64) {
	switch strings.ToUpper(datatype) {
	case DatatypeTMAX:
		d.Max = append(d.Max, tenths)
	case DatatypeTMIN:
		d.Min = append(d.Min, tenths)
	case DatatypeTAVG:
		d.Avg = append(d.Avg, tenths)
	default:
		return
	}
	for _, s := range d.Stations {
		if s == station {
			return
		}
	}
	d.Stations = append(d.Stations, station)
}

// NormalizeWeather averages the day's readings across stations and converts
// them to the canonical Fahrenheit record. The average temperature is the
// reported TAVG when present, otherwise the midpoint of max and min, otherwise
// whichever single value exists (flagged partial).
func NormalizeWeather(city string, day time.Time, d DailyTemperatures) WeatherRecord {
	rec := WeatherRecord{
		City:            city,
		Date:            Day(day),
		SourceStationID: strings.Join(d.Stations, ";"),
	}
	maxC, hasMax := mean(d.Max)
	minC, hasMin := mean(d.Min)
	avgC, hasAvg := mean(d.Avg)

	if hasMax {
		rec.TemperatureMaxF = Float(TenthsCelsiusToFahrenheit(maxC))
	}
	if hasMin {
		rec.TemperatureMinF = Float(TenthsCelsiusToFahrenheit(minC))
	}
	switch {
	case hasAvg:
		rec.TemperatureAvgF = Float(TenthsCelsiusToFahrenheit(avgC))
	case hasMax && hasMin:
		rec.TemperatureAvgF = Float(TenthsCelsiusToFahrenheit((maxC + minC) / 2))
	case hasMax:
		rec.TemperatureAvgF = Float(TenthsCelsiusToFahrenheit(maxC))
	case hasMin:
		rec.TemperatureAvgF = Float(TenthsCelsiusToFahrenheit(minC))
	}
	if hasMax != hasMin {
		rec.Flags = AddFlag(rec.Flags, FlagPartialTemperature)
	}
	return rec
}

// DailyDemand accumulates demand readings for one day.
type DailyDemand struct {
	Sum      float64
	Readings int
	Nulls    int
	Negative int
}

// Add records one reading; nil means the provider reported null.
func (d *DailyDemand) Add(v *float64) {
	switch {
	case v == nil:
		d.Nulls++
	case *v < 0:
		d.Negative++
	default:
		d.Sum += *v
		d.Readings++
	}
}

// NormalizeEnergy converts an accumulated day into the canonical record.
// Demand stays null when no valid reading exists.
func NormalizeEnergy(city, authority string, day time.Time, d DailyDemand) EnergyRecord {
	rec := EnergyRecord{
		City:                     city,
		Date:                     Day(day),
		SourceBalancingAuthority: authority,
	}
	if d.Readings > 0 {
		rec.DemandMWh = Float(d.Sum)
		if d.Nulls > 0 {
			rec.Flags = AddFlag(rec.Flags, FlagPartialDemand)
		}
	}
	if d.Negative > 0 {
		rec.Flags = AddFlag(rec.Flags, FlagNegativeDemand)
	}
	return rec
}

func mean(vs []float64) (float64, bool) {
	if len(vs) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs)), true
}

// FlexFloat decodes a JSON number, a numeric string, or null. Valid is false
// for null and empty strings.
type FlexFloat struct {
	Value float64
	Valid bool
}

func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = FlexFloat{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = FlexFloat{}
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parse numeric string %q: %w", s, err)
		}
		*f = FlexFloat{Value: v, Valid: true}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = FlexFloat{Value: v, Valid: true}
	return nil
}

// Ptr returns nil for an invalid value.
func (f FlexFloat) Ptr() *float64 {
	if !f.Valid {
		return nil
	}
	return Float(f.Value)
}
