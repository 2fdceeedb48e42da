// Package storage writes run artifacts to the local filesystem: raw provider
// snapshots, cleaned per-source tables, the merged table and the quality report.
package storage

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/couchcryptid/energy-weather-etl/internal/domain"
	"github.com/couchcryptid/energy-weather-etl/internal/pipeline"
)

const (
	rawDir       = "raw"
	processedDir = "processed"
)

var (
	weatherColumns = []string{"city", "date", "temperature_max_f", "temperature_min_f", "temperature_avg_f", "source_station_id", "flags"}
	energyColumns  = []string{"city", "date", "demand_mwh", "source_balancing_authority", "flags"}
)

// FileSink persists every run under a base directory. Artifact names carry
// the run's date range label, so re-running a range replaces its files.
type FileSink struct {
	baseDir string
	logger  *slog.Logger
}

// NewFileSink creates the raw and processed directories under baseDir.
func NewFileSink(baseDir string, logger *slog.Logger) (*FileSink, error) {
	for _, d := range []string{rawDir, processedDir} {
		dir := filepath.Join(baseDir, d)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return &FileSink{baseDir: baseDir, logger: logger}, nil
}

// Name returns the sink label.
func (s *FileSink) Name() string { return "files" }

// Paths lists the artifacts written for a range label.
type Paths struct {
	RawWeather    string
	RawEnergy     string
	WeatherClean  string
	EnergyClean   string
	Merged        string
	QualityReport string
}

// PathsFor returns where the artifacts for label live.
func (s *FileSink) PathsFor(label string) Paths {
	return Paths{
		RawWeather:    filepath.Join(s.baseDir, rawDir, "weather_"+label+".jsonl"),
		RawEnergy:     filepath.Join(s.baseDir, rawDir, "energy_"+label+".jsonl"),
		WeatherClean:  filepath.Join(s.baseDir, processedDir, "weather_clean_"+label+".csv"),
		EnergyClean:   filepath.Join(s.baseDir, processedDir, "energy_clean_"+label+".csv"),
		Merged:        filepath.Join(s.baseDir, processedDir, "merged_"+label+".csv"),
		QualityReport: filepath.Join(s.baseDir, processedDir, "quality_report_"+label+".json"),
	}
}

// Load writes all artifacts of res.
func (s *FileSink) Load(ctx context.Context, res *pipeline.RunResult) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write run %s: %w", res.RunID, err)
	}
	paths := s.PathsFor(res.DateRange.Label())

	steps := []struct {
		path  string
		write func(io.Writer) error
	}{
		{paths.RawWeather, func(w io.Writer) error { return writeJSONLines(w, res.RawWeather) }},
		{paths.RawEnergy, func(w io.Writer) error { return writeJSONLines(w, res.RawEnergy) }},
		{paths.WeatherClean, func(w io.Writer) error { return writeWeatherCSV(w, res.Weather) }},
		{paths.EnergyClean, func(w io.Writer) error { return writeEnergyCSV(w, res.Energy) }},
		{paths.Merged, func(w io.Writer) error { return WriteMergedCSV(w, res.Merged) }},
		{paths.QualityReport, func(w io.Writer) error { return writeReport(w, res) }},
	}
	for _, step := range steps {
		if err := writeAtomic(step.path, step.write); err != nil {
			return err
		}
	}

	s.logger.Info("run artifacts written",
		"dir", s.baseDir,
		"label", res.DateRange.Label(),
		"merged_rows", len(res.Merged),
	)
	return nil
}

// writeAtomic writes to a temp file in the target directory and renames it
// into place so readers never observe a partial artifact.
func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func writeJSONLines(w io.Writer, items []json.RawMessage) error {
	for _, it := range items {
		if _, err := w.Write(it); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}

func joinFlags(flags []domain.Flag) string {
	row := domain.MergedRecord{DataQualityFlags: flags}.CSVRow()
	return row[len(row)-1]
}

func writeWeatherCSV(w io.Writer, recs []domain.WeatherRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(weatherColumns); err != nil {
		return err
	}
	for _, r := range recs {
		if err := cw.Write([]string{
			r.City,
			r.Date.Format("2006-01-02"),
			domain.FormatNullable(r.TemperatureMaxF),
			domain.FormatNullable(r.TemperatureMinF),
			domain.FormatNullable(r.TemperatureAvgF),
			r.SourceStationID,
			joinFlags(r.Flags),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeEnergyCSV(w io.Writer, recs []domain.EnergyRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(energyColumns); err != nil {
		return err
	}
	for _, r := range recs {
		if err := cw.Write([]string{
			r.City,
			r.Date.Format("2006-01-02"),
			domain.FormatNullable(r.DemandMWh),
			r.SourceBalancingAuthority,
			joinFlags(r.Flags),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// reportDocument is the on-disk quality report: the audit plus run context.
type reportDocument struct {
	RunID      string                  `json:"run_id"`
	Status     pipeline.Stage          `json:"status"`
	DateRange  domain.DateRange        `json:"date_range"`
	StartedAt  string                  `json:"started_at"`
	FinishedAt string                  `json:"finished_at"`
	Cities     []pipeline.CityResult   `json:"cities"`
	Omitted    []domain.WindowOmission `json:"omitted_windows"`
	Report     domain.QualityReport    `json:"quality_report"`
}

func writeReport(w io.Writer, res *pipeline.RunResult) error {
	omitted := res.Omitted
	if omitted == nil {
		omitted = []domain.WindowOmission{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(reportDocument{
		RunID:      res.RunID,
		Status:     res.Status,
		DateRange:  res.DateRange,
		StartedAt:  res.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
		FinishedAt: res.FinishedAt.Format("2006-01-02T15:04:05Z07:00"),
		Cities:     res.Cities,
		Omitted:    omitted,
		Report:     res.Report,
	})
}
