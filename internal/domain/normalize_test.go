package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCity = "Chicago"

var jan1 = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

func TestParseProviderDate(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"calendar date", "2024-01-01"},
		{"noaa timestamp", "2024-01-01T00:00:00"},
		{"eia hourly period", "2024-01-01T23"},
		{"rfc3339", "2024-01-01T12:30:00Z"},
		{"surrounding whitespace", " 2024-01-01 "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseProviderDate(tt.input)
			require.NoError(t, err)
			assert.Equal(t, jan1, got)
		})
	}

	_, err := ParseProviderDate("01/02/2024")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized provider date")
}

func TestNormalizeWeather(t *testing.T) {
	t.Run("max and min average to midpoint", func(t *testing.T) {
		var d DailyTemperatures
		d.Add("TMAX", "GHCND:USW00094846", 50)
		d.Add("TMIN", "GHCND:USW00094846", -50)

		rec := NormalizeWeather(testCity, jan1, d)
		require.NotNil(t, rec.TemperatureMaxF)
		require.NotNil(t, rec.TemperatureMinF)
		require.NotNil(t, rec.TemperatureAvgF)
		assert.Equal(t, 41.0, *rec.TemperatureMaxF)
		assert.Equal(t, 23.0, *rec.TemperatureMinF)
		assert.Equal(t, 32.0, *rec.TemperatureAvgF)
		assert.Equal(t, "GHCND:USW00094846", rec.SourceStationID)
		assert.Empty(t, rec.Flags)
	})

	t.Run("reported TAVG wins", func(t *testing.T) {
		var d DailyTemperatures
		d.Add("TMAX", "A", 100)
		d.Add("TMIN", "A", 0)
		d.Add("TAVG", "A", 20)

		rec := NormalizeWeather(testCity, jan1, d)
		assert.Equal(t, 35.6, *rec.TemperatureAvgF)
	})

	t.Run("multiple stations are averaged", func(t *testing.T) {
		var d DailyTemperatures
		d.Add("TMAX", "A", 40)
		d.Add("TMAX", "B", 60)
		d.Add("TMIN", "A", 0)
		d.Add("TMIN", "B", 0)

		rec := NormalizeWeather(testCity, jan1, d)
		assert.Equal(t, 41.0, *rec.TemperatureMaxF)
		assert.Equal(t, "A;B", rec.SourceStationID)
	})

	t.Run("single side is flagged partial", func(t *testing.T) {
		var d DailyTemperatures
		d.Add("TMAX", "A", 50)

		rec := NormalizeWeather(testCity, jan1, d)
		assert.Nil(t, rec.TemperatureMinF)
		assert.Equal(t, 41.0, *rec.TemperatureAvgF)
		assert.Equal(t, []Flag{FlagPartialTemperature}, rec.Flags)
	})

	t.Run("unknown datatypes are ignored", func(t *testing.T) {
		var d DailyTemperatures
		d.Add("PRCP", "A", 12)
		assert.Empty(t, d.Stations)
	})
}

func TestNormalizeEnergy(t *testing.T) {
	t.Run("hourly readings sum to daily total", func(t *testing.T) {
		var d DailyDemand
		for i := 0; i < 24; i++ {
			d.Add(Float(100))
		}
		rec := NormalizeEnergy(testCity, "MISO", jan1, d)
		require.NotNil(t, rec.DemandMWh)
		assert.Equal(t, 2400.0, *rec.DemandMWh)
		assert.Equal(t, "MISO", rec.SourceBalancingAuthority)
		assert.Empty(t, rec.Flags)
	})

	t.Run("null hour flags partial demand", func(t *testing.T) {
		var d DailyDemand
		d.Add(Float(100))
		d.Add(nil)
		rec := NormalizeEnergy(testCity, "MISO", jan1, d)
		assert.Equal(t, 100.0, *rec.DemandMWh)
		assert.Equal(t, []Flag{FlagPartialDemand}, rec.Flags)
	})

	t.Run("all null stays explicit null", func(t *testing.T) {
		var d DailyDemand
		d.Add(nil)
		rec := NormalizeEnergy(testCity, "MISO", jan1, d)
		assert.Nil(t, rec.DemandMWh)
		assert.Equal(t, jan1, rec.Date)
	})

	t.Run("negative reading is discarded and flagged", func(t *testing.T) {
		var d DailyDemand
		d.Add(Float(-5))
		rec := NormalizeEnergy(testCity, "MISO", jan1, d)
		assert.Nil(t, rec.DemandMWh)
		assert.Equal(t, []Flag{FlagNegativeDemand}, rec.Flags)
	})
}

func TestFlexFloat(t *testing.T) {
	var v struct {
		Number FlexFloat `json:"number"`
		String FlexFloat `json:"string"`
		Null   FlexFloat `json:"null"`
		Empty  FlexFloat `json:"empty"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"number":12.5,"string":"7","null":null,"empty":""}`), &v))

	assert.Equal(t, FlexFloat{Value: 12.5, Valid: true}, v.Number)
	assert.Equal(t, FlexFloat{Value: 7, Valid: true}, v.String)
	assert.False(t, v.Null.Valid)
	assert.Nil(t, v.Null.Ptr())
	assert.False(t, v.Empty.Valid)

	var bad FlexFloat
	require.Error(t, json.Unmarshal([]byte(`"abc"`), &bad))
}
