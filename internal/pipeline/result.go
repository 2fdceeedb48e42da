package pipeline

import (
	"encoding/json"
	"time"

	"github.com/couchcryptid/energy-weather-etl/internal/domain"
)

// Stage is a step of the run state machine. DONE, PARTIAL and ABORTED are terminal.
type Stage string

const (
	StageInit         Stage = "INIT"
	StageFetchWeather Stage = "FETCH_WEATHER"
	StageFetchEnergy  Stage = "FETCH_ENERGY"
	StageMerge        Stage = "MERGE"
	StageAudit        Stage = "AUDIT"
	StageDone         Stage = "DONE"
	StagePartial      Stage = "PARTIAL"
	StageAborted      Stage = "ABORTED"
)

// CityStatus is the outcome of collecting one city.
type CityStatus string

const (
	CitySucceeded CityStatus = "succeeded"
	// CityPartial means at least one window was omitted.
	CityPartial CityStatus = "partial"
	// CityFailed cities are excluded from the merged table.
	CityFailed    CityStatus = "failed"
	CityCancelled CityStatus = "cancelled"
)

// CityResult summarizes one city's collection.
type CityResult struct {
	City           string                  `json:"city"`
	Status         CityStatus              `json:"status"`
	WeatherRecords int                     `json:"weather_records"`
	EnergyRecords  int                     `json:"energy_records"`
	Omitted        []domain.WindowOmission `json:"omitted_windows,omitempty"`
	Error          string                  `json:"error,omitempty"`
}

// LoadError records a loader that failed to persist a run.
type LoadError struct {
	Loader string `json:"loader"`
	Error  string `json:"error"`
}

// RunResult is everything one run produced. Loaders receive it read-only.
type RunResult struct {
	RunID      string           `json:"run_id"`
	DateRange  domain.DateRange `json:"date_range"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Status     Stage            `json:"status"`
	Stages     []Stage          `json:"stages"`
	Error      string           `json:"error,omitempty"`

	Cities     []CityResult            `json:"cities"`
	Omitted    []domain.WindowOmission `json:"omitted_windows"`
	Report     domain.QualityReport    `json:"quality_report"`
	LoadErrors []LoadError             `json:"load_errors,omitempty"`

	Merged     []domain.MergedRecord  `json:"-"`
	Weather    []domain.WeatherRecord `json:"-"`
	Energy     []domain.EnergyRecord  `json:"-"`
	RawWeather []json.RawMessage      `json:"-"`
	RawEnergy  []json.RawMessage      `json:"-"`
}

// City returns the result for the named city.
func (r *RunResult) City(name string) (CityResult, bool) {
	for _, c := range r.Cities {
		if c.City == name {
			return c, true
		}
	}
	return CityResult{}, false
}

func (r *RunResult) advance(s Stage) {
	r.Status = s
	r.Stages = append(r.Stages, s)
}

// RunSummary is the compact form of a run kept in run history.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	Status      string    `json:"status"`
	RangeStart  string    `json:"range_start"`
	RangeEnd    string    `json:"range_end"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	RowCount    int       `json:"row_count"`
	FlaggedRows int       `json:"flagged_rows"`
}

// Summary returns the history entry for r.
func (r *RunResult) Summary() RunSummary {
	return RunSummary{
		RunID:       r.RunID,
		Status:      string(r.Status),
		RangeStart:  r.DateRange.StartString(),
		RangeEnd:    r.DateRange.EndString(),
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		RowCount:    r.Report.RowCount,
		FlaggedRows: r.Report.FlaggedRows,
	}
}
