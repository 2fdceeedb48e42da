package domain

import (
	"errors"
	"fmt"
	"time"
)

// dateLayout is the ISO 8601 calendar-date layout both providers accept.
const dateLayout = "2006-01-02"

// CityKey identifies a tracked city and the provider keys used to fetch its data.
// It is configured once and shared read-only across the pipeline.
type CityKey struct {
	Name               string   `json:"name" yaml:"name" validate:"required"`
	State              string   `json:"state" yaml:"state" validate:"required,len=2"`
	WeatherStationIDs  []string `json:"noaa_station_ids" yaml:"noaa_station_ids" validate:"required,min=1,dive,required"`
	BalancingAuthority string   `json:"eia_balancing_authority" yaml:"eia_balancing_authority" validate:"required"`
	EnergyTimezone     string   `json:"eia_timezone,omitempty" yaml:"eia_timezone,omitempty"`
	Latitude           float64  `json:"latitude,omitempty" yaml:"latitude,omitempty" validate:"gte=-90,lte=90"`
	Longitude          float64  `json:"longitude,omitempty" yaml:"longitude,omitempty" validate:"gte=-180,lte=180"`
}

// String returns "Name, ST".
func (c CityKey) String() string {
	return fmt.Sprintf("%s, %s", c.Name, c.State)
}

// DateRange is an inclusive span of calendar days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange builds a range from two ISO 8601 dates.
func NewDateRange(start, end string) (DateRange, error) {
	s, err := time.Parse(dateLayout, start)
	if err != nil {
		return DateRange{}, fmt.Errorf("parse start date %q: %w", start, err)
	}
	e, err := time.Parse(dateLayout, end)
	if err != nil {
		return DateRange{}, fmt.Errorf("parse end date %q: %w", end, err)
	}
	r := DateRange{Start: s, End: e}
	return r, r.Validate()
}

// LastNDays returns the range of n days ending today (inclusive).
func LastNDays(n int) DateRange {
	end := Today()
	return DateRange{Start: end.AddDate(0, 0, -(n - 1)), End: end}
}

// Validate rejects zero or inverted ranges.
func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return errors.New("date range requires both start and end")
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("date range end %s is before start %s", r.End.Format(dateLayout), r.Start.Format(dateLayout))
	}
	return nil
}

// Days returns the number of calendar days covered, inclusive.
func (r DateRange) Days() int {
	return int(Day(r.End).Sub(Day(r.Start)).Hours()/24) + 1
}

// Contains reports whether the day of t lies within the range.
func (r DateRange) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(Day(r.Start)) && !d.After(Day(r.End))
}

// StartString and EndString format the bounds as ISO 8601 dates.
func (r DateRange) StartString() string { return r.Start.Format(dateLayout) }

func (r DateRange) EndString() string { return r.End.Format(dateLayout) }

// Label names output artifacts, e.g. "2024-01-01_to_2024-03-31".
func (r DateRange) Label() string {
	return r.StartString() + "_to_" + r.EndString()
}

// Windows splits the range into consecutive windows of at most maxDays days,
// preserving chronological order. A non-positive maxDays returns the range itself.
func (r DateRange) Windows(maxDays int) []DateRange {
	start, end := Day(r.Start), Day(r.End)
	if maxDays <= 0 {
		return []DateRange{{Start: start, End: end}}
	}
	var out []DateRange
	for cur := start; !cur.After(end); cur = cur.AddDate(0, 0, maxDays) {
		wEnd := cur.AddDate(0, 0, maxDays-1)
		if wEnd.After(end) {
			wEnd = end
		}
		out = append(out, DateRange{Start: cur, End: wEnd})
	}
	return out
}
