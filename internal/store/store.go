package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultRetention is the sliding window kept in historico_clima.
const DefaultRetention = 3 * time.Hour

var (
	// ErrNoReading is returned when neither the window nor the clean history
	// holds a climate row. The ETL has to run first.
	ErrNoReading = errors.New("no climate reading stored")
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("record not found")
)

var timestampColumn = clause.Column{Name: "timestamp"}

// Config holds the store configuration.
type Config struct {
	Logger *slog.Logger
	DB     *gorm.DB
	// Retention is the sliding window kept after each append. Zero disables pruning.
	Retention time.Duration
	// Now overrides the clock used for pruning.
	Now func() time.Time
}

// Store reads and writes the climate window, the clean history and the
// decision log.
//
// AppendCycle assigns reading ids with MAX+1 inside its transaction. On
// PostgreSQL the window table is locked for the duration; on SQLite the
// database-level write lock applies. Callers must still run one cycle at a
// time.
type Store struct {
	logger    *slog.Logger
	db        *gorm.DB
	retention time.Duration
	now       func() time.Time
}

// AppendResult reports what a committed cycle wrote.
type AppendResult struct {
	DecisionID uint64
	ReadingID  int64
	Pruned     int64
}

// NewStore creates a store on top of an open database.
func NewStore(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("store config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}

	if cfg.Retention < 0 {
		return nil, errors.New("retention cannot be negative")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Store{
		logger:    cfg.Logger,
		db:        cfg.DB,
		retention: cfg.Retention,
		now:       now,
	}, nil
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// AppendCycle writes the decision and the climate row in one transaction and
// prunes the window. The climate ReadingID is assigned here; the decision ID
// comes from the database. On error nothing is written.
func (s *Store) AppendCycle(ctx context.Context, decision *DecisionRecord, climate *ClimateRecord) (*AppendResult, error) {
	if decision == nil || climate == nil {
		return nil, errors.New("decision and climate records are required")
	}

	decision.Timestamp = decision.Timestamp.UTC()
	climate.Timestamp = climate.Timestamp.UTC()

	result := &AppendResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockWindow(tx); err != nil {
			return err
		}

		if err := tx.Create(decision).Error; err != nil {
			return fmt.Errorf("failed to insert decision: %w", err)
		}

		next, err := nextReadingID(tx)
		if err != nil {
			return err
		}
		climate.ReadingID = next

		if err := tx.Create(climate).Error; err != nil {
			return fmt.Errorf("failed to insert climate reading %d: %w", next, err)
		}

		if s.retention > 0 {
			cutoff := s.now().UTC().Add(-s.retention)
			res := tx.Where(clause.Lt{Column: timestampColumn, Value: cutoff}).Delete(&ClimateRecord{})
			if res.Error != nil {
				return fmt.Errorf("failed to prune climate window: %w", res.Error)
			}
			result.Pruned = res.RowsAffected
		}

		return nil
	})
	if err != nil {
		decision.ID = 0
		climate.ReadingID = 0
		return nil, err
	}

	result.DecisionID = decision.ID
	result.ReadingID = climate.ReadingID

	s.logger.Debug("cycle persisted",
		"decision_id", result.DecisionID,
		"reading_id", result.ReadingID,
		"pruned", result.Pruned,
	)

	return result, nil
}

func lockWindow(tx *gorm.DB) error {
	if tx.Dialector.Name() != DriverPostgres {
		return nil
	}
	if err := tx.Exec("LOCK TABLE " + ClimateRecord{}.TableName() + " IN EXCLUSIVE MODE").Error; err != nil {
		return fmt.Errorf("failed to lock climate window: %w", err)
	}
	return nil
}

// nextReadingID continues the window sequence, or the clean history's when
// the window is empty.
func nextReadingID(tx *gorm.DB) (int64, error) {
	maxID, err := maxReadingID(tx, &ClimateRecord{})
	if err != nil {
		return 0, err
	}

	if maxID == 0 {
		if maxID, err = maxReadingID(tx, &CleanClimateRecord{}); err != nil {
			return 0, err
		}
	}

	return maxID + 1, nil
}

func maxReadingID(tx *gorm.DB, model any) (int64, error) {
	var maxID int64
	if err := tx.Model(model).Select("COALESCE(MAX(id_leitura), 0)").Scan(&maxID).Error; err != nil {
		return 0, fmt.Errorf("failed to read max reading id: %w", err)
	}
	return maxID, nil
}

// MaxReadingID returns the highest reading id in the window, or 0.
func (s *Store) MaxReadingID(ctx context.Context) (int64, error) {
	return maxReadingID(s.db.WithContext(ctx), &ClimateRecord{})
}

// LatestClimate returns the most recent window row, falling back to the
// clean history when the window is empty.
func (s *Store) LatestClimate(ctx context.Context) (*ClimateRecord, error) {
	latest := clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: timestampColumn, Desc: true},
		{Column: clause.Column{Name: "id_leitura"}, Desc: true},
	}}

	var rows []ClimateRecord
	if err := s.db.WithContext(ctx).Clauses(latest).Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query climate window: %w", err)
	}
	if len(rows) > 0 {
		return &rows[0], nil
	}

	var clean []CleanClimateRecord
	if err := s.db.WithContext(ctx).Clauses(latest).Limit(1).Find(&clean).Error; err != nil {
		return nil, fmt.Errorf("failed to query clean history: %w", err)
	}
	if len(clean) > 0 {
		rec := ClimateRecord(clean[0])
		return &rec, nil
	}

	return nil, ErrNoReading
}

// ClimateSince returns window rows at or after since, oldest first. Rows may
// disappear between calls as the window is pruned.
func (s *Store) ClimateSince(ctx context.Context, since time.Time) ([]ClimateRecord, error) {
	var rows []ClimateRecord
	err := s.db.WithContext(ctx).
		Where(clause.Gte{Column: timestampColumn, Value: since.UTC()}).
		Order("id_leitura").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query climate window: %w", err)
	}
	return rows, nil
}

// CountClimate returns the number of rows in the window.
func (s *Store) CountClimate(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&ClimateRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count climate window: %w", err)
	}
	return n, nil
}

// LatestDecision returns the newest decision log row.
func (s *Store) LatestDecision(ctx context.Context) (*DecisionRecord, error) {
	var rows []DecisionRecord
	if err := s.db.WithContext(ctx).Order("id DESC").Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query decision log: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// DecisionsBetween returns decisions with from <= timestamp < to, oldest first.
func (s *Store) DecisionsBetween(ctx context.Context, from, to time.Time) ([]DecisionRecord, error) {
	var rows []DecisionRecord
	err := s.db.WithContext(ctx).
		Where(clause.Gte{Column: timestampColumn, Value: from.UTC()}).
		Where(clause.Lt{Column: timestampColumn, Value: to.UTC()}).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query decision log: %w", err)
	}
	return rows, nil
}

// CountActions returns how many decisions of each action were logged at or
// after since.
func (s *Store) CountActions(ctx context.Context, since time.Time) (map[string]int64, error) {
	var rows []struct {
		Action string
		Total  int64
	}
	err := s.db.WithContext(ctx).
		Model(&DecisionRecord{}).
		Select("acao AS action, COUNT(*) AS total").
		Where(clause.Gte{Column: timestampColumn, Value: since.UTC()}).
		Group("acao").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count actions: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Action] = r.Total
	}
	return counts, nil
}
