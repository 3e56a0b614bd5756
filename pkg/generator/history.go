// Package generator produces synthetic raw climate history in the format the
// field sensors export, including the faults the ETL has to clean up.
package generator

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"procodus.dev/green-horizon/internal/mirror"
)

// SpikeTempC is the value faulty sensors report.
const SpikeTempC = 500.0

var (
	crops      = []string{"milho", "soja", "cafe", "feijao", "cana"}
	nullTokens = []string{"", "NaN", "null", "N/A"}
)

// Reading is one clean synthetic climate row.
type Reading struct {
	ReadingID       int64
	Timestamp       time.Time
	SensorID        string
	CropID          string
	SoilMoisturePct float64
	AmbientTempC    float64
	WindKmh         float64
	SolarRadiation  float64
	RainMM          float64
}

// HistoryConfig controls the generated history.
type HistoryConfig struct {
	// Start is the first timestamp.
	Start time.Time
	// Interval between rows. Defaults to one hour.
	Interval time.Duration
	// Rows to generate.
	Rows int
	// FirstID is the first reading id. Defaults to 1.
	FirstID int64
	// NullRate is the share of rows with one blanked field.
	NullRate float64
	// SpikeRate is the share of rows reporting SpikeTempC.
	SpikeRate float64
	// DuplicateRate is the share of rows written twice.
	DuplicateRate float64
	// Seed makes the output reproducible. Zero picks a random seed.
	Seed uint64
}

// Summary counts what was written.
type Summary struct {
	Rows       int
	Nulls      int
	Spikes     int
	Duplicates int
}

// HistoryGenerator produces climate rows with daily patterns.
type HistoryGenerator struct {
	faker        *gofakeit.Faker
	cfg          HistoryConfig
	sensorID     string
	cropID       string
	baselineTemp float64
	noise        float64
	moisture     float64
}

// NewHistoryGenerator validates cfg and picks a sensor and a crop.
func NewHistoryGenerator(cfg HistoryConfig) (*HistoryGenerator, error) {
	if cfg.Rows < 0 {
		return nil, errors.New("rows cannot be negative")
	}

	for _, rate := range []float64{cfg.NullRate, cfg.SpikeRate, cfg.DuplicateRate} {
		if rate < 0 || rate > 1 {
			return nil, errors.New("rates must be between 0 and 1")
		}
	}

	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}

	if cfg.FirstID <= 0 {
		cfg.FirstID = 1
	}

	if cfg.Start.IsZero() {
		cfg.Start = time.Now().Truncate(time.Hour).Add(-time.Duration(cfg.Rows) * cfg.Interval)
	}

	faker := gofakeit.New(cfg.Seed)

	return &HistoryGenerator{
		faker:        faker,
		cfg:          cfg,
		sensorID:     faker.Numerify("SN-###"),
		cropID:       faker.RandomString(crops),
		baselineTemp: faker.Float64Range(20, 28),
		noise:        faker.Float64Range(0.5, 2),
		moisture:     faker.Float64Range(25, 45),
	}, nil
}

// SensorID returns the generated sensor id.
func (g *HistoryGenerator) SensorID() string {
	return g.sensorID
}

// Next returns the clean reading for id at t.
func (g *HistoryGenerator) Next(id int64, t time.Time) Reading {
	hour := float64(t.Hour())

	// Daily cycle peaks mid-afternoon.
	temp := g.baselineTemp + 5*math.Sin((hour-9)*math.Pi/12) + (g.faker.Float64()-0.5)*g.noise

	solar := 0.0
	if hour >= 6 && hour <= 18 {
		solar = 900 * math.Sin((hour-6)*math.Pi/12)
	}

	rain := 0.0
	if g.faker.Float64() < 0.08 {
		rain = g.faker.Float64Range(0.2, 6)
	}

	// Soil dries with heat and recovers with rain or an irrigation pulse.
	g.moisture -= 0.2 + math.Max(0, temp-25)*0.05
	g.moisture += rain * 1.5
	if g.moisture < 12 {
		g.moisture += g.faker.Float64Range(15, 25)
	}
	g.moisture = math.Max(5, math.Min(80, g.moisture))

	return Reading{
		ReadingID:       id,
		Timestamp:       t,
		SensorID:        g.sensorID,
		CropID:          g.cropID,
		SoilMoisturePct: round(g.moisture, 1),
		AmbientTempC:    round(temp, 1),
		WindKmh:         round(g.faker.Float64Range(0, 25), 1),
		SolarRadiation:  round(solar, 1),
		RainMM:          round(rain, 2),
	}
}

// WriteCSV writes the header and the configured number of rows, injecting
// nulls, temperature spikes and duplicated rows at the configured rates.
func (g *HistoryGenerator) WriteCSV(w io.Writer) (*Summary, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(mirror.Header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	summary := &Summary{}
	for i := 0; i < g.cfg.Rows; i++ {
		id := g.cfg.FirstID + int64(i)
		t := g.cfg.Start.Add(time.Duration(i) * g.cfg.Interval)
		row := format(g.Next(id, t))

		switch {
		case g.hit(g.cfg.NullRate):
			// Never blank the id so duplicates stay detectable.
			col := 1 + g.faker.IntRange(0, len(row)-2)
			row[col] = g.faker.RandomString(nullTokens)
			summary.Nulls++
		case g.hit(g.cfg.SpikeRate):
			row[5] = formatFloat(SpikeTempC)
			summary.Spikes++
		}

		if err := cw.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", id, err)
		}
		summary.Rows++

		if g.hit(g.cfg.DuplicateRate) {
			if err := cw.Write(row); err != nil {
				return nil, fmt.Errorf("failed to write row %d: %w", id, err)
			}
			summary.Duplicates++
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush history: %w", err)
	}
	return summary, nil
}

func (g *HistoryGenerator) hit(rate float64) bool {
	return rate > 0 && g.faker.Float64() < rate
}

func format(r Reading) []string {
	return []string{
		strconv.FormatInt(r.ReadingID, 10),
		r.Timestamp.Format(mirror.TimestampLayout),
		r.SensorID,
		r.CropID,
		formatFloat(r.SoilMoisturePct),
		formatFloat(r.AmbientTempC),
		formatFloat(r.WindKmh),
		formatFloat(r.SolarRadiation),
		formatFloat(r.RainMM),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
