package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/couchcryptid/energy-weather-etl/internal/domain"
)

// JoinPolicy controls which keys appear in the merged table.
type JoinPolicy string

const (
	// JoinOuter keeps every key present in either input.
	JoinOuter JoinPolicy = "outer"
	// JoinInner keeps only keys present in both inputs.
	JoinInner JoinPolicy = "inner"
)

// ParseJoinPolicy accepts "outer" or "inner", case-insensitively.
func ParseJoinPolicy(s string) (JoinPolicy, error) {
	switch p := JoinPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case JoinOuter, JoinInner:
		return p, nil
	default:
		return "", fmt.Errorf("unknown join policy %q", s)
	}
}

// Merge joins weather and energy records on (city, date).
//
// Under JoinOuter a key missing one side gets nulls for that side's fields and
// a missing_weather or missing_energy flag. Duplicate keys within one input
// keep the first record and flag duplicate_key_collapsed. Rows are ordered by
// cityOrder (unlisted cities last, by name) and then by date.
func Merge(weather []domain.WeatherRecord, energy []domain.EnergyRecord, cityOrder []string, policy JoinPolicy) []domain.MergedRecord {
	rows := make(map[domain.Key]*domain.MergedRecord, len(weather))
	hasWeather := make(map[domain.Key]bool, len(weather))
	hasEnergy := make(map[domain.Key]bool, len(energy))

	row := func(k domain.Key) *domain.MergedRecord {
		r, ok := rows[k]
		if !ok {
			r = &domain.MergedRecord{City: k.City, Date: k.Date}
			rows[k] = r
		}
		return r
	}

	for _, w := range weather {
		k := w.RecordKey()
		r := row(k)
		if hasWeather[k] {
			r.DataQualityFlags = domain.AddFlag(r.DataQualityFlags, domain.FlagDuplicateKeyCollapsed)
			continue
		}
		hasWeather[k] = true
		r.TemperatureMaxF = w.TemperatureMaxF
		r.TemperatureMinF = w.TemperatureMinF
		r.TemperatureAvgF = w.TemperatureAvgF
		for _, f := range w.Flags {
			r.DataQualityFlags = domain.AddFlag(r.DataQualityFlags, f)
		}
	}

	for _, e := range energy {
		k := e.RecordKey()
		r := row(k)
		if hasEnergy[k] {
			r.DataQualityFlags = domain.AddFlag(r.DataQualityFlags, domain.FlagDuplicateKeyCollapsed)
			continue
		}
		hasEnergy[k] = true
		r.DemandMWh = e.DemandMWh
		for _, f := range e.Flags {
			r.DataQualityFlags = domain.AddFlag(r.DataQualityFlags, f)
		}
	}

	out := make([]domain.MergedRecord, 0, len(rows))
	for k, r := range rows {
		w, e := hasWeather[k], hasEnergy[k]
		if policy == JoinInner && (!w || !e) {
			continue
		}
		if !w {
			r.DataQualityFlags = domain.AddFlag(r.DataQualityFlags, domain.FlagMissingWeather)
		}
		if !e {
			r.DataQualityFlags = domain.AddFlag(r.DataQualityFlags, domain.FlagMissingEnergy)
		}
		out = append(out, *r)
	}

	rank := make(map[string]int, len(cityOrder))
	for i, c := range cityOrder {
		if _, seen := rank[c]; !seen {
			rank[c] = i
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.City != b.City {
			ra, oka := rank[a.City]
			rb, okb := rank[b.City]
			switch {
			case oka && okb:
				return ra < rb
			case oka != okb:
				return oka
			default:
				return a.City < b.City
			}
		}
		return a.Date.Before(b.Date)
	})
	return out
}
