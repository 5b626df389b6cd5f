package models

import (
	"fmt"
	"time"
)

type AveragedReading struct {
	ID          int64     `json:"id"`
	TS          time.Time `json:"timestamp"`
	PM1         float64   `json:"pm1_0"`
	PM25        float64   `json:"pm2_5"`
	PM10        float64   `json:"pm10"`
	AQI         int       `json:"aqi"`
	AQILevel    string    `json:"aqi_level"`
	SampleCount int       `json:"sample_count"`
}

// SystemSnapshot fields are nil when the host could not report them.
type SystemSnapshot struct {
	ID          int64     `json:"id"`
	TS          time.Time `json:"timestamp"`
	CPUTemp     *float64  `json:"cpu_temp"`
	CPUUsage    *float64  `json:"cpu_usage"`
	MemoryUsage *float64  `json:"memory_usage"`
	DiskUsage   *float64  `json:"disk_usage"`
}

type IntervalAverage struct {
	Start    time.Time `json:"interval_time"`
	PM1      float64   `json:"avg_pm1_0"`
	PM25     float64   `json:"avg_pm2_5"`
	PM10     float64   `json:"avg_pm10"`
	AQI      float64   `json:"avg_aqi"`
	Readings int       `json:"reading_count"`
}

type AlertType string

const (
	AlertAirQuality    AlertType = "air_quality"
	AlertSystemHealth  AlertType = "system_health"
	AlertSensorFailure AlertType = "sensor_failure"
	AlertDataStaleness AlertType = "data_staleness"
)

type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical, SeverityEmergency:
		return true
	}
	return false
}

// Alert is a single notification event. ID is derived from type and the
// creation second, so two alerts of one type created within the same second
// share an ID.
type Alert struct {
	ID        string         `json:"alert_id"`
	Type      AlertType      `json:"alert_type"`
	Severity  Severity       `json:"severity"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

func NewAlert(t AlertType, sev Severity, title, message string, data map[string]any, at time.Time) Alert {
	return Alert{
		ID:        fmt.Sprintf("%s_%d", t, at.Unix()),
		Type:      t,
		Severity:  sev,
		Title:     title,
		Message:   message,
		Data:      data,
		Timestamp: at,
	}
}

type HistoryEntry struct {
	Alert  Alert     `json:"alert"`
	SentAt time.Time `json:"sent_time"`
}

// Condition thresholds are conjunctive. A nil threshold is not tested.
type Condition struct {
	AQIAbove         *float64 `mapstructure:"aqi_above" json:"aqi_above,omitempty"`
	PM25Above        *float64 `mapstructure:"pm25_above" json:"pm25_above,omitempty"`
	PM10Above        *float64 `mapstructure:"pm10_above" json:"pm10_above,omitempty"`
	AQILevelIn       []string `mapstructure:"aqi_level_in" json:"aqi_level_in,omitempty"`
	CPUTempAbove     *float64 `mapstructure:"cpu_temp_above" json:"cpu_temp_above,omitempty"`
	CPUUsageAbove    *float64 `mapstructure:"cpu_usage_above" json:"cpu_usage_above,omitempty"`
	MemoryUsageAbove *float64 `mapstructure:"memory_usage_above" json:"memory_usage_above,omitempty"`
	DiskUsageAbove   *float64 `mapstructure:"disk_usage_above" json:"disk_usage_above,omitempty"`
}

func (c Condition) Empty() bool {
	return c.AQIAbove == nil && c.PM25Above == nil && c.PM10Above == nil && len(c.AQILevelIn) == 0 &&
		c.CPUTempAbove == nil && c.CPUUsageAbove == nil && c.MemoryUsageAbove == nil && c.DiskUsageAbove == nil
}

type AlertRule struct {
	Name      string    `mapstructure:"name" json:"name"`
	Type      AlertType `mapstructure:"type" json:"type"`
	Enabled   *bool     `mapstructure:"enabled" json:"enabled,omitempty"`
	Severity  Severity  `mapstructure:"severity" json:"severity"`
	Title     string    `mapstructure:"title" json:"title"`
	Message   string    `mapstructure:"message" json:"message"`
	Condition Condition `mapstructure:"condition" json:"condition"`
}

// IsEnabled treats an unset flag as enabled.
func (r AlertRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

func Float(v float64) *float64 { return &v }
