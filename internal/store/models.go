// Package store persists climate snapshots and irrigation decisions.
//
// Three tables are managed: historico_clima is the sliding window written by
// decision cycles, historico_clima_limpo is the full history rebuilt by the
// ETL, and logs_decisao is the append-only audit log. Column names are part
// of the contract with the dashboard and must not change.
package store

import (
	"time"
)

// ClimateRecord is one climate/sensor snapshot in the sliding window.
type ClimateRecord struct {
	Timestamp       time.Time `gorm:"column:timestamp;not null;index"`
	SensorID        string    `gorm:"column:id_sensor;size:64"`
	CropID          string    `gorm:"column:id_cultura;size:64"`
	RainMM          *float64  `gorm:"column:chuva_mm"`
	ReadingID       int64     `gorm:"column:id_leitura;primaryKey;autoIncrement:false"`
	SoilMoisturePct float64   `gorm:"column:umidade_solo"`
	AmbientTempC    float64   `gorm:"column:temp_ambiente"`
	WindKmh         float64   `gorm:"column:vento_kmh"`
	SolarRadiation  float64   `gorm:"column:radiacao_solar"`
}

// TableName specifies the table name for ClimateRecord.
func (ClimateRecord) TableName() string {
	return "historico_clima"
}

// CleanClimateRecord is a row of the ETL-built full history. It shares the
// column layout of ClimateRecord and is never pruned.
type CleanClimateRecord ClimateRecord

// TableName specifies the table name for CleanClimateRecord.
func (CleanClimateRecord) TableName() string {
	return "historico_clima_limpo"
}

// DecisionRecord is one audit row per completed cycle. Forecast fields are
// nil when the forecast was unavailable.
type DecisionRecord struct {
	Timestamp       time.Time `gorm:"column:timestamp;not null;index"`
	RainForecastMM  *float64  `gorm:"column:previsao_chuva"`
	MeanTempC       *float64  `gorm:"column:temp_media"`
	Tariff          string    `gorm:"column:tarifa;size:32"`
	Action          string    `gorm:"column:acao;size:16;index"`
	Reason          string    `gorm:"column:motivo"`
	CycleID         string    `gorm:"column:id_ciclo;size:36"`
	SoilMoisturePct float64   `gorm:"column:umidade_solo"`
	ID              uint64    `gorm:"column:id;primaryKey;autoIncrement"`
}

// TableName specifies the table name for DecisionRecord.
func (DecisionRecord) TableName() string {
	return "logs_decisao"
}
