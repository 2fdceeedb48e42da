// Command validate checks a merged table written by the ETL run, and
// optionally its quality report, for the guarantees downstream consumers rely
// on: exact column schema, unique (city, date) keys, deterministic ordering,
// nulls that agree with their flags, and non-negative demand.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -merged data/processed/merged_2024-01-01_to_2024-03-31.csv \
//	  -report data/processed/quality_report_2024-01-01_to_2024-03-31.json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/couchcryptid/energy-weather-etl/internal/adapter/storage"
	"github.com/couchcryptid/energy-weather-etl/internal/domain"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	mergedPath := flag.String("merged", "", "path to a merged_<range>.csv file")
	reportPath := flag.String("report", "", "optional path to the matching quality_report_<range>.json")
	flag.Parse()

	if *mergedPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*mergedPath, *reportPath); code != 0 {
		os.Exit(code)
	}
}

func run(mergedPath, reportPath string) int {
	fmt.Println("=== Merged Table Validation ===")
	fmt.Println()

	rows, err := loadMerged(mergedPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load merged table: %v\n", err)
		return 1
	}

	phases := []*phase{
		validateKeys(rows),
		validateOrdering(rows),
		validateNullsAndFlags(rows),
	}
	if reportPath != "" {
		doc, err := loadReport(reportPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: load quality report: %v\n", err)
			return 1
		}
		phases = append(phases, validateReport(rows, doc))
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Rows: %d merged\n", len(rows))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// ── Data loading ──

func loadMerged(path string) ([]domain.MergedRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return storage.ReadMergedCSV(f)
}

// reportDoc is the subset of the quality report the checks compare against.
type reportDoc struct {
	Status        string               `json:"status"`
	QualityReport domain.QualityReport `json:"quality_report"`
}

func loadReport(path string) (reportDoc, error) {
	var doc reportDoc
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, err
	}
	return doc, nil
}

// ── Phase 1: Key uniqueness ──

func validateKeys(rows []domain.MergedRecord) *phase {
	p := &phase{name: "Phase 1: Unique (city, date) keys"}
	seen := make(map[domain.Key]int, len(rows))
	for i, r := range rows {
		k := r.RecordKey()
		if first, ok := seen[k]; ok {
			p.errorf("row %d: duplicate key %s %s (first seen at row %d)", i+1, r.City, r.Date.Format("2006-01-02"), first+1)
			continue
		}
		seen[k] = i
	}
	return p
}

// ── Phase 2: Ordering ──
// Rows of one city form a contiguous block sorted by date.

func validateOrdering(rows []domain.MergedRecord) *phase {
	p := &phase{name: "Phase 2: Deterministic ordering"}
	closed := map[string]bool{}
	for i := 1; i < len(rows); i++ {
		prev, cur := rows[i-1], rows[i]
		if prev.City != cur.City {
			closed[prev.City] = true
			if closed[cur.City] {
				p.errorf("row %d: city %q appears in more than one block", i+1, cur.City)
			}
			continue
		}
		if !cur.Date.After(prev.Date) {
			p.errorf("row %d: %s date %s is not after %s", i+1, cur.City, cur.Date.Format("2006-01-02"), prev.Date.Format("2006-01-02"))
		}
	}
	return p
}

// ── Phase 3: Nulls and flags ──

func validateNullsAndFlags(rows []domain.MergedRecord) *phase {
	p := &phase{name: "Phase 3: Nulls agree with flags"}
	for i, r := range rows {
		noWeather := r.TemperatureMaxF == nil && r.TemperatureMinF == nil && r.TemperatureAvgF == nil
		if r.HasFlag(domain.FlagMissingWeather) && !noWeather {
			p.errorf("row %d: missing_weather set but temperatures present", i+1)
		}
		if r.HasFlag(domain.FlagMissingEnergy) && r.DemandMWh != nil {
			p.errorf("row %d: missing_energy set but demand_mwh present", i+1)
		}
		if r.HasFlag(domain.FlagMissingWeather) && r.HasFlag(domain.FlagMissingEnergy) {
			p.errorf("row %d: row has neither weather nor energy", i+1)
		}
		if r.DemandMWh != nil && *r.DemandMWh < 0 {
			p.errorf("row %d: negative demand_mwh %g", i+1, *r.DemandMWh)
		}
		for _, f := range r.DataQualityFlags {
			if strings.TrimSpace(string(f)) == "" {
				p.errorf("row %d: empty flag", i+1)
			}
		}
	}
	return p
}

// ── Phase 4: Report consistency ──

func validateReport(rows []domain.MergedRecord, doc reportDoc) *phase {
	p := &phase{name: "Phase 4: Quality report consistency"}
	q := doc.QualityReport
	if q.RowCount != len(rows) {
		p.errorf("row_count: report says %d, table has %d", q.RowCount, len(rows))
	}

	flagged := 0
	counts := map[domain.Flag]int{}
	for _, r := range rows {
		if len(r.DataQualityFlags) > 0 {
			flagged++
		}
		for _, f := range r.DataQualityFlags {
			counts[f]++
		}
	}
	if q.FlaggedRows != flagged {
		p.errorf("flagged_rows: report says %d, table has %d", q.FlaggedRows, flagged)
	}
	for f, n := range counts {
		if q.FlagCounts[f] != n {
			p.errorf("flag_counts[%s]: report says %d, table has %d", f, q.FlagCounts[f], n)
		}
	}

	nulls := map[string]int{}
	for _, r := range rows {
		for i, cell := range r.CSVRow() {
			if cell == "" && i >= 2 && i <= 5 {
				nulls[domain.Columns[i]]++
			}
		}
	}
	for _, col := range domain.Columns[2:6] {
		if q.MissingValueCounts[col] != nulls[col] {
			p.errorf("missing %s: report says %d, table has %d", col, q.MissingValueCounts[col], nulls[col])
		}
	}
	return p
}
