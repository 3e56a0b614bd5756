// Package tariff resolves the energy tariff tier in effect for an hour of day.
//
// The schedule is a small CSV reference file keyed by hour (columns hora,tipo
// or hour,tier). The file is re-read on every lookup so operators can edit it
// between cycles. A missing file or a missing hour never fails a lookup: the
// configured default tier is returned together with the cause.
package tariff

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"procodus.dev/green-horizon/internal/csvio"
)

const (
	// TierNormal is the off-peak tier and the default when no rule applies.
	TierNormal = "Normal"
	// TierPeak is the expensive tier during which irrigation is deferred.
	TierPeak = "Peak"
)

var (
	// ErrTableUnavailable means the reference file could not be read or parsed.
	ErrTableUnavailable = errors.New("tariff table unavailable")
	// ErrNoRuleForHour means the file was read but has no row for the hour.
	ErrNoRuleForHour = errors.New("no tariff rule for hour")
	// ErrInvalidHour means the requested hour is outside 0-23.
	ErrInvalidHour = errors.New("hour must be between 0 and 23")
)

// DefaultAliases maps the labels used by the reference deployment onto the
// canonical tiers.
func DefaultAliases() map[string]string {
	return map[string]string{
		"Pico":          TierPeak,
		"Ponta":         TierPeak,
		"Fora Ponta":    TierNormal,
		"Fora de Ponta": TierNormal,
	}
}

// Source tells where a resolved tier came from.
type Source string

const (
	SourceTable   Source = "table"
	SourceDefault Source = "default"
)

// Rule is one row of the schedule.
type Rule struct {
	Hour int
	Tier string
}

// Resolution is the outcome of a lookup. Cause is set only when the default
// tier was applied.
type Resolution struct {
	Hour   int
	Tier   string
	Source Source
	Cause  error
}

// Defaulted reports whether the tier is the fallback rather than a table match.
func (r Resolution) Defaulted() bool {
	return r.Source == SourceDefault
}

// Config holds the resolver configuration.
type Config struct {
	Logger *slog.Logger
	// Path is the schedule CSV location.
	Path string
	// DefaultTier is returned when no rule applies. Defaults to TierNormal.
	DefaultTier string
	// Aliases maps raw labels onto canonical tiers, matched case-insensitively.
	// Defaults to DefaultAliases.
	Aliases map[string]string
}

// Resolver looks up tariff tiers.
type Resolver struct {
	logger      *slog.Logger
	path        string
	defaultTier string
	aliases     map[string]string
}

// NewResolver creates a resolver from cfg.
func NewResolver(cfg *Config) (*Resolver, error) {
	if cfg == nil {
		return nil, errors.New("tariff config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Path == "" {
		return nil, errors.New("tariff table path cannot be empty")
	}

	defaultTier := cfg.DefaultTier
	if defaultTier == "" {
		defaultTier = TierNormal
	}

	raw := cfg.Aliases
	if raw == nil {
		raw = DefaultAliases()
	}
	aliases := make(map[string]string, len(raw))
	for label, tier := range raw {
		aliases[strings.ToLower(strings.TrimSpace(label))] = tier
	}

	return &Resolver{
		logger:      cfg.Logger,
		path:        cfg.Path,
		defaultTier: defaultTier,
		aliases:     aliases,
	}, nil
}

// ResolveAt resolves the tier for the hour of t in t's location.
func (r *Resolver) ResolveAt(t time.Time) Resolution {
	return r.Resolve(t.Hour())
}

// Resolve returns the tier for hour. It never fails; see Resolution.Cause.
func (r *Resolver) Resolve(hour int) Resolution {
	if hour < 0 || hour > 23 {
		return r.fallback(hour, fmt.Errorf("%w: %d", ErrInvalidHour, hour))
	}

	rules, err := r.Rules()
	if err != nil {
		return r.fallback(hour, err)
	}

	for _, rule := range rules {
		if rule.Hour == hour {
			return Resolution{Hour: hour, Tier: rule.Tier, Source: SourceTable}
		}
	}

	return r.fallback(hour, fmt.Errorf("%w: %d", ErrNoRuleForHour, hour))
}

func (r *Resolver) fallback(hour int, cause error) Resolution {
	r.logger.Debug("tariff default applied",
		"hour", hour,
		"tier", r.defaultTier,
		"cause", cause,
	)

	return Resolution{
		Hour:   hour,
		Tier:   r.defaultTier,
		Source: SourceDefault,
		Cause:  cause,
	}
}

// Rules loads the schedule. Rows with an unparseable hour are skipped; when
// an hour appears more than once the first row wins. Any error is wrapped in
// ErrTableUnavailable.
func (r *Resolver) Rules() ([]Rule, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTableUnavailable, err)
	}
	defer func() {
		_ = f.Close()
	}()

	reader, err := csvio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTableUnavailable, err)
	}

	header, err := csvio.ReadHeader(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTableUnavailable, err)
	}

	hourIdx, err := header.Index("hora", "hour")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTableUnavailable, err)
	}
	tierIdx, err := header.Index("tipo", "tier", "tarifa")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTableUnavailable, err)
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTableUnavailable, err)
	}

	seen := make(map[int]bool, 24)
	rules := make([]Rule, 0, len(records))
	for _, record := range records {
		if hourIdx >= len(record) || tierIdx >= len(record) {
			continue
		}

		hour, ok := parseHour(record[hourIdx])
		if !ok || seen[hour] {
			continue
		}
		seen[hour] = true

		rules = append(rules, Rule{Hour: hour, Tier: r.canonical(record[tierIdx])})
	}

	return rules, nil
}

func (r *Resolver) canonical(label string) string {
	label = strings.TrimSpace(label)
	if tier, ok := r.aliases[strings.ToLower(label)]; ok {
		return tier
	}
	return label
}

// parseHour accepts "7", "07" and spreadsheet exports such as "7.0".
func parseHour(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)

	if h, err := strconv.Atoi(raw); err == nil {
		return h, h >= 0 && h <= 23
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != float64(int(f)) {
		return 0, false
	}
	h := int(f)
	return h, h >= 0 && h <= 23
}
