// Package domain models daily weather and electricity-demand data for the
// tracked U.S. cities and the canonical merged table built from them.
//
// # Weather: NOAA Climate Data Online (GHCND)
//
// The GHCND daily summaries dataset reports one value per station, day and
// datatype:
//
//	TMAX  maximum temperature
//	TMIN  minimum temperature
//	TAVG  average temperature (not reported by every station)
//
// Without a "units" request parameter values arrive in the dataset's native
// unit, tenths of a degree Celsius: 50 means 5.0 °C. Conversion to Fahrenheit is
//
//	F = (tenths / 10) * 9/5 + 32
//
// rounded to one decimal place. Dates arrive as "2024-01-01T00:00:00".
// A city may list several stations; readings for the same day and datatype
// are averaged across stations.
//
// # Energy: EIA Open Data v2 (RTO demand)
//
// Demand is reported per balancing authority ("respondent", e.g. PJM, ERCO,
// NYIS) in megawatt-hours. The daily route reports one value per day and
// timezone; the hourly route reports periods like "2024-01-01T05" which are
// summed into daily totals. Values may be JSON numbers, numeric strings or
// null. Null and negative readings are kept visible as null demand plus a
// data-quality flag, never dropped.
//
// # Canonical table
//
// The merged table has exactly the columns listed in [Columns], one row per
// (city, date). Missing values are nulls (empty CSV cells), never zeros.
package domain
