package alerts

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"time"

	"airmon/internal/aqi"
	"airmon/internal/models"
	"airmon/internal/sensor"
)

// Snapshot is the flat metric view rules are evaluated against and alert
// templates are filled from.
type Snapshot map[string]any

// Float reports a numeric field. Missing and non-numeric fields report false.
func (s Snapshot) Float(key string) (float64, bool) {
	switch v := s[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint16:
		return float64(v), true
	case *float64:
		if v == nil {
			return 0, false
		}
		return *v, true
	}
	return 0, false
}

func (s Snapshot) Text(key string) (string, bool) {
	v, ok := s[key].(string)
	return v, ok
}

func ReadingSnapshot(r sensor.Reading) Snapshot {
	return Snapshot{
		"pm1_0":     float64(r.PM1),
		"pm2_5":     float64(r.PM25),
		"pm10":      float64(r.PM10),
		"aqi":       r.AQI,
		"aqi_level": r.AQILevel,
		"timestamp": r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func AveragedSnapshot(m models.AveragedReading) Snapshot {
	level := m.AQILevel
	if level == "" {
		level = aqi.Level(m.AQI)
	}
	return Snapshot{
		"pm1_0":        m.PM1,
		"pm2_5":        m.PM25,
		"pm10":         m.PM10,
		"aqi":          m.AQI,
		"aqi_level":    level,
		"sample_count": m.SampleCount,
		"timestamp":    m.TS.UTC().Format(time.RFC3339),
	}
}

// SystemSnapshot leaves out metrics the host did not report.
func SystemSnapshot(s models.SystemSnapshot) Snapshot {
	out := Snapshot{"timestamp": s.TS.UTC().Format(time.RFC3339)}
	for k, v := range map[string]*float64{
		"cpu_temp":     s.CPUTemp,
		"cpu_usage":    s.CPUUsage,
		"memory_usage": s.MemoryUsage,
		"disk_usage":   s.DiskUsage,
	} {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

func above(s Snapshot, key string, threshold *float64) bool {
	if threshold == nil {
		return true
	}
	v, ok := s.Float(key)
	return ok && v > *threshold
}

// matchAirQuality is the conjunction of the air-quality thresholds present in
// c. A condition with no thresholds never matches.
func matchAirQuality(c models.Condition, s Snapshot) bool {
	if c.Empty() {
		return false
	}
	if !above(s, "aqi", c.AQIAbove) || !above(s, "pm2_5", c.PM25Above) || !above(s, "pm10", c.PM10Above) {
		return false
	}
	if len(c.AQILevelIn) > 0 {
		level, ok := s.Text("aqi_level")
		if !ok || !slices.Contains(c.AQILevelIn, level) {
			return false
		}
	}
	return true
}

func matchSystem(c models.Condition, s Snapshot) bool {
	if c.Empty() {
		return false
	}
	return above(s, "cpu_temp", c.CPUTempAbove) &&
		above(s, "cpu_usage", c.CPUUsageAbove) &&
		above(s, "memory_usage", c.MemoryUsageAbove) &&
		above(s, "disk_usage", c.DiskUsageAbove)
}

var placeholder = regexp.MustCompile(`\{([A-Za-z0-9_]+)(?::\.(\d+)f)?\}`)

// render fills {field} and {field:.Nf} from s. Unknown fields stay as written.
func render(tmpl string, s Snapshot) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		sub := placeholder.FindStringSubmatch(m)
		v, ok := s[sub[1]]
		if !ok {
			return m
		}
		if sub[2] != "" {
			prec, _ := strconv.Atoi(sub[2])
			if f, ok := s.Float(sub[1]); ok {
				return strconv.FormatFloat(f, 'f', prec, 64)
			}
		}
		switch x := v.(type) {
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		case *float64:
			if x == nil {
				return m
			}
			return strconv.FormatFloat(*x, 'f', -1, 64)
		default:
			return fmt.Sprint(x)
		}
	})
}

// DefaultRules is the rule set used when none are configured.
func DefaultRules() []models.AlertRule {
	return []models.AlertRule{
		{
			Name:      "aqi_unhealthy_sensitive",
			Type:      models.AlertAirQuality,
			Severity:  models.SeverityWarning,
			Title:     "Air quality: {aqi_level}",
			Message:   "AQI is {aqi} ({aqi_level}). PM2.5 {pm2_5:.1f} µg/m³.",
			Condition: models.Condition{AQIAbove: models.Float(100)},
		},
		{
			Name:      "aqi_unhealthy",
			Type:      models.AlertAirQuality,
			Severity:  models.SeverityCritical,
			Title:     "Unhealthy air: {aqi_level}",
			Message:   "AQI is {aqi} ({aqi_level}). Limit time outdoors. PM2.5 {pm2_5:.1f} µg/m³, PM10 {pm10:.1f} µg/m³.",
			Condition: models.Condition{AQIAbove: models.Float(150)},
		},
		{
			Name:      "aqi_hazardous",
			Type:      models.AlertAirQuality,
			Severity:  models.SeverityEmergency,
			Title:     "Hazardous air quality",
			Message:   "AQI is {aqi} ({aqi_level}). PM2.5 {pm2_5:.1f} µg/m³.",
			Condition: models.Condition{AQILevelIn: []string{aqi.LevelVeryUnhealthy, aqi.LevelHazardous}},
		},
		{
			Name:      "cpu_temperature_high",
			Type:      models.AlertSystemHealth,
			Severity:  models.SeverityWarning,
			Title:     "CPU temperature high",
			Message:   "CPU temperature is {cpu_temp:.1f}°C.",
			Condition: models.Condition{CPUTempAbove: models.Float(70)},
		},
		{
			Name:      "cpu_temperature_critical",
			Type:      models.AlertSystemHealth,
			Severity:  models.SeverityCritical,
			Title:     "CPU temperature critical",
			Message:   "CPU temperature is {cpu_temp:.1f}°C. The board may throttle.",
			Condition: models.Condition{CPUTempAbove: models.Float(80)},
		},
		{
			Name:      "memory_usage_high",
			Type:      models.AlertSystemHealth,
			Severity:  models.SeverityWarning,
			Title:     "Memory usage high",
			Message:   "Memory usage is {memory_usage:.1f}%.",
			Condition: models.Condition{MemoryUsageAbove: models.Float(90)},
		},
		{
			Name:      "disk_usage_high",
			Type:      models.AlertSystemHealth,
			Severity:  models.SeverityWarning,
			Title:     "Disk usage high",
			Message:   "Disk usage is {disk_usage:.1f}%.",
			Condition: models.Condition{DiskUsageAbove: models.Float(85)},
		},
		{
			Name:     "sensor_failure",
			Type:     models.AlertSensorFailure,
			Severity: models.SeverityCritical,
		},
		{
			Name:     "data_stale",
			Type:     models.AlertDataStaleness,
			Severity: models.SeverityWarning,
		},
	}
}
