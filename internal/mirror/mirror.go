// Package mirror appends committed climate rows to the raw history CSV so the
// next ETL run re-ingests them.
package mirror

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"procodus.dev/green-horizon/internal/csvio"
	"procodus.dev/green-horizon/internal/store"
)

// TimestampLayout is the layout used for timestamps in the history CSV.
const TimestampLayout = "2006-01-02 15:04:05"

// Header is the column order shared with the climate table and the ETL.
var Header = []string{
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

// Appender writes climate rows to a CSV file.
type Appender interface {
	Append(rec *store.ClimateRecord) error
}

// Config holds the CSV mirror configuration.
type Config struct {
	Logger *slog.Logger
	Path   string
	// Location renders timestamps in local time. Defaults to UTC.
	Location *time.Location
}

// CSV appends rows to a file, writing the header only when it creates the file.
// Rows follow the delimiter and column order of an existing header.
type CSV struct {
	logger   *slog.Logger
	path     string
	location *time.Location
}

var _ Appender = (*CSV)(nil)

// NewCSV creates a CSV mirror.
func NewCSV(cfg *Config) (*CSV, error) {
	if cfg == nil {
		return nil, errors.New("mirror config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Path == "" {
		return nil, errors.New("mirror path cannot be empty")
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	return &CSV{logger: cfg.Logger, path: cfg.Path, location: loc}, nil
}

// Path returns the mirrored file.
func (m *CSV) Path() string {
	return m.path
}

// Append writes rec as one CSV line.
func (m *CSV) Append(rec *store.ClimateRecord) error {
	if rec == nil {
		return errors.New("climate record cannot be nil")
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create mirror directory: %w", err)
		}
	}

	f, err := os.OpenFile(m.path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open mirror %s: %w", m.path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat mirror %s: %w", m.path, err)
	}

	l, err := readLayout(f, info.Size())
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to read mirror header %s: %w", m.path, err)
	}

	if l.unterminated {
		if _, err := f.WriteString("\n"); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to terminate last mirror line: %w", err)
		}
	}

	w := csv.NewWriter(f)
	w.Comma = l.comma
	if info.Size() == 0 {
		if err := w.Write(Header); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write mirror header: %w", err)
		}
	}

	if err := w.Write(l.arrange(m.row(rec))); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write mirror row: %w", err)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to flush mirror row: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close mirror %s: %w", m.path, err)
	}

	m.logger.Debug("climate row mirrored", "reading_id", rec.ReadingID, "path", m.path)
	return nil
}

func (m *CSV) row(rec *store.ClimateRecord) []string {
	rain := ""
	if rec.RainMM != nil {
		rain = formatFloat(*rec.RainMM)
	}

	return []string{
		strconv.FormatInt(rec.ReadingID, 10),
		rec.Timestamp.In(m.location).Format(TimestampLayout),
		rec.SensorID,
		rec.CropID,
		formatFloat(rec.SoilMoisturePct),
		formatFloat(rec.AmbientTempC),
		formatFloat(rec.WindKmh),
		formatFloat(rec.SolarRadiation),
		rain,
	}
}

// layout is how an existing history file lays out its rows.
type layout struct {
	comma rune
	// columns holds, for each file column, its position in Header.
	columns []int
	// unterminated is set when the file does not end with a newline.
	unterminated bool
}

// readLayout detects the delimiter and column order of the file's header so
// appended rows stay readable by the ETL. An empty file gets Header and ','.
func readLayout(f *os.File, size int64) (*layout, error) {
	if size == 0 {
		columns := make([]int, len(Header))
		for i := range columns {
			columns[i] = i
		}
		return &layout{comma: ',', columns: columns}, nil
	}

	reader, err := csvio.NewReader(io.NewSectionReader(f, 0, size))
	if err != nil {
		return nil, err
	}
	header, err := csvio.ReadHeader(reader)
	if err != nil {
		return nil, err
	}

	width := 0
	for _, i := range header {
		width = max(width, i+1)
	}

	l := &layout{comma: reader.Comma, columns: make([]int, width)}
	for i := range l.columns {
		l.columns[i] = -1
	}
	for j, name := range Header {
		i, err := header.Index(name)
		if err != nil {
			return nil, err
		}
		l.columns[i] = j
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return nil, fmt.Errorf("failed to read last byte: %w", err)
	}
	l.unterminated = last[0] != '\n'

	return l, nil
}

// arrange reorders a row in Header order into the file's column order.
// Columns the mirror does not know are left empty.
func (l *layout) arrange(row []string) []string {
	out := make([]string, len(l.columns))
	for i, j := range l.columns {
		if j >= 0 {
			out[i] = row[j]
		}
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
