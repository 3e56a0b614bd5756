package etl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"procodus.dev/green-horizon/internal/csvio"
	"procodus.dev/green-horizon/internal/store"
)

const (
	// DefaultOutlierThresholdC is the ambient temperature above which a row is
	// treated as a sensor fault and dropped from the clean table.
	DefaultOutlierThresholdC = 60.0
	// DashboardOutlierThresholdC is the looser bound the dashboard uses to hide
	// spikes from charts. It never affects persisted data.
	DashboardOutlierThresholdC = 500.0
)

// nullTokens are the spellings treated as a missing value.
var nullTokens = map[string]bool{
	"":     true,
	"nan":  true,
	"null": true,
	"none": true,
	"na":   true,
	"n/a":  true,
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
}

// columns are the raw CSV columns in climate table order.
var columns = []string{
	"id_leitura",
	"timestamp",
	"id_sensor",
	"id_cultura",
	"umidade_solo",
	"temp_ambiente",
	"vento_kmh",
	"radiacao_solar",
	"chuva_mm",
}

var errMalformed = errors.New("malformed row")

// Report counts what happened to the raw rows.
type Report struct {
	Read             int
	DroppedNull      int
	DroppedMalformed int
	DroppedOutlier   int
	DroppedDuplicate int
	Loaded           int
	Duration         time.Duration
}

// Dropped returns the total number of rows not loaded.
func (r *Report) Dropped() int {
	return r.DroppedNull + r.DroppedMalformed + r.DroppedOutlier + r.DroppedDuplicate
}

// Rules controls the transform step.
type Rules struct {
	// OutlierThresholdC drops rows whose ambient temperature is above it.
	OutlierThresholdC float64
	// Location interprets timestamps that carry no offset.
	Location *time.Location
}

// Transform cleans raw records in order: rows with any null field, rows that
// do not parse, temperature outliers, and repeated reading ids (first wins).
// The header row must not be part of records.
func Transform(header csvio.Header, records [][]string, rules Rules) ([]store.CleanClimateRecord, *Report, error) {
	idx := make([]int, len(columns))
	for i, name := range columns {
		pos, err := header.Index(name)
		if err != nil {
			return nil, nil, err
		}
		idx[i] = pos
	}

	loc := rules.Location
	if loc == nil {
		loc = time.UTC
	}

	report := &Report{Read: len(records)}
	seen := make(map[int64]bool, len(records))
	out := make([]store.CleanClimateRecord, 0, len(records))

	for _, record := range records {
		fields, ok := pick(record, idx)
		if !ok {
			report.DroppedNull++
			continue
		}

		rec, err := parse(fields, loc)
		if err != nil {
			report.DroppedMalformed++
			continue
		}

		if rec.AmbientTempC > rules.OutlierThresholdC {
			report.DroppedOutlier++
			continue
		}

		if seen[rec.ReadingID] {
			report.DroppedDuplicate++
			continue
		}
		seen[rec.ReadingID] = true

		out = append(out, rec)
	}

	return out, report, nil
}

// pick selects the climate columns, reporting false when any is missing or null.
func pick(record []string, idx []int) ([]string, bool) {
	fields := make([]string, len(idx))
	for i, pos := range idx {
		if pos >= len(record) {
			return nil, false
		}
		v := strings.TrimSpace(record[pos])
		if nullTokens[strings.ToLower(v)] {
			return nil, false
		}
		fields[i] = v
	}
	return fields, true
}

func parse(f []string, loc *time.Location) (store.CleanClimateRecord, error) {
	var rec store.CleanClimateRecord

	id, err := parseID(f[0])
	if err != nil {
		return rec, err
	}

	ts, err := parseTimestamp(f[1], loc)
	if err != nil {
		return rec, err
	}

	nums := make([]float64, 5)
	for i := range nums {
		v, err := strconv.ParseFloat(f[4+i], 64)
		if err != nil {
			return rec, fmt.Errorf("%w: %s=%q", errMalformed, columns[4+i], f[4+i])
		}
		nums[i] = v
	}

	rain := nums[4]
	rec = store.CleanClimateRecord{
		ReadingID:       id,
		Timestamp:       ts,
		SensorID:        f[2],
		CropID:          f[3],
		SoilMoisturePct: nums[0],
		AmbientTempC:    nums[1],
		WindKmh:         nums[2],
		SolarRadiation:  nums[3],
		RainMM:          &rain,
	}
	return rec, nil
}

// parseID accepts integer ids, including the "12.0" form float columns produce.
func parseID(raw string) (int64, error) {
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return id, nil
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != float64(int64(f)) {
		return 0, fmt.Errorf("%w: id_leitura=%q", errMalformed, raw)
	}
	return int64(f), nil
}

func parseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp=%q", errMalformed, raw)
}
