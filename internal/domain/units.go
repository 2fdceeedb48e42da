package domain

import "math"

// TenthsCelsiusToFahrenheit converts a GHCND temperature (tenths of a degree
// Celsius) to Fahrenheit, rounded to one decimal place.
func TenthsCelsiusToFahrenheit(tenths float64) float64 {
	return Round1((tenths/10)*9/5 + 32)
}

// FahrenheitToTenthsCelsius is the inverse of TenthsCelsiusToFahrenheit,
// rounded to whole tenths.
func FahrenheitToTenthsCelsius(f float64) float64 {
	return math.Round((f - 32) * 5 / 9 * 10)
}

// Round1 rounds half away from zero to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}
