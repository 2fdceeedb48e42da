package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/energy-weather-etl/internal/domain"
)

// ErrSchema reports a merged table whose header does not match domain.Columns.
var ErrSchema = errors.New("merged table schema mismatch")

// WriteMergedCSV writes the header and rows in domain.Columns order.
func WriteMergedCSV(w io.Writer, rows []domain.MergedRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(domain.Columns); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.CSVRow()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadMergedCSV parses a merged table written by WriteMergedCSV. The header
// must match domain.Columns exactly.
func ReadMergedCSV(r io.Reader) ([]domain.MergedRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(domain.Columns)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, col := range domain.Columns {
		if header[i] != col {
			return nil, fmt.Errorf("%w: column %d is %q, want %q", ErrSchema, i, header[i], col)
		}
	}

	var rows []domain.MergedRecord
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		row, err := parseMergedRow(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
}

func parseMergedRow(rec []string) (domain.MergedRecord, error) {
	date, err := time.Parse("2006-01-02", rec[1])
	if err != nil {
		return domain.MergedRecord{}, fmt.Errorf("parse date: %w", err)
	}
	row := domain.MergedRecord{City: rec[0], Date: date}

	targets := []**float64{&row.TemperatureMaxF, &row.TemperatureMinF, &row.TemperatureAvgF, &row.DemandMWh}
	for i, dst := range targets {
		cell := rec[2+i]
		if cell == "" {
			continue
		}
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return domain.MergedRecord{}, fmt.Errorf("parse %s: %w", domain.Columns[2+i], err)
		}
		*dst = domain.Float(v)
	}

	if rec[6] != "" {
		for _, f := range strings.Split(rec[6], ";") {
			row.DataQualityFlags = append(row.DataQualityFlags, domain.Flag(f))
		}
	}
	return row, nil
}
