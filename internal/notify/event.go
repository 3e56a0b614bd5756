// Package notify publishes committed irrigation decisions to RabbitMQ so
// valve controllers can act on them.
package notify

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ContentType identifies the wire encoding of an Event.
const ContentType = "application/x-protobuf; proto=google.protobuf.Struct"

// Event describes one persisted decision.
type Event struct {
	CycleID         string
	Timestamp       time.Time
	Action          string
	Reason          string
	Tariff          string
	Status          string
	SoilMoisturePct float64
	// RainForecastMM is nil when the forecast was unavailable.
	RainForecastMM *float64
	ReadingID      int64
	DecisionID     uint64
}

// Encode serializes e as a protobuf Struct.
func Encode(e *Event) ([]byte, error) {
	if e == nil {
		return nil, errors.New("event cannot be nil")
	}

	fields := map[string]any{
		"cycle_id":          e.CycleID,
		"timestamp":         e.Timestamp.UTC().Format(time.RFC3339),
		"action":            e.Action,
		"reason":            e.Reason,
		"tariff":            e.Tariff,
		"status":            e.Status,
		"soil_moisture_pct": e.SoilMoisturePct,
		"reading_id":        float64(e.ReadingID),
		"decision_id":       float64(e.DecisionID),
		"rain_forecast_mm":  nil,
	}
	if e.RainForecastMM != nil {
		fields["rain_forecast_mm"] = *e.RainForecastMM
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build event: %w", err)
	}

	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// Decode parses a payload produced by Encode.
func Decode(data []byte) (*Event, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	f := s.GetFields()
	e := &Event{
		CycleID:         f["cycle_id"].GetStringValue(),
		Action:          f["action"].GetStringValue(),
		Reason:          f["reason"].GetStringValue(),
		Tariff:          f["tariff"].GetStringValue(),
		Status:          f["status"].GetStringValue(),
		SoilMoisturePct: f["soil_moisture_pct"].GetNumberValue(),
		ReadingID:       int64(f["reading_id"].GetNumberValue()),
		DecisionID:      uint64(f["decision_id"].GetNumberValue()),
	}

	if ts := f["timestamp"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("invalid event timestamp: %w", err)
		}
		e.Timestamp = t
	}

	if v, ok := f["rain_forecast_mm"].GetKind().(*structpb.Value_NumberValue); ok {
		rain := v.NumberValue
		e.RainForecastMM = &rain
	}

	return e, nil
}
