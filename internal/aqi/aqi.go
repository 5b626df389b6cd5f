// Package aqi converts PM2.5 concentrations to the EPA air quality index.
package aqi

import "math"

const Max = 500

type breakpoint struct {
	concLo, concHi float64
	idxLo, idxHi   float64
}

var pm25Table = []breakpoint{
	{0, 12.0, 0, 50},
	{12.1, 35.4, 51, 100},
	{35.5, 55.4, 101, 150},
	{55.5, 150.4, 151, 200},
	{150.5, 250.4, 201, 300},
	{250.5, 350.4, 301, 400},
	{350.5, 500.4, 401, 500},
}

// FromPM25 interpolates within the breakpoint whose upper bound first covers
// pm25. Concentrations past the table are clamped to Max.
func FromPM25(pm25 float64) int {
	if pm25 < 0 || math.IsNaN(pm25) {
		return 0
	}
	for _, bp := range pm25Table {
		if pm25 <= bp.concHi {
			v := (pm25-bp.concLo)*(bp.idxHi-bp.idxLo)/(bp.concHi-bp.concLo) + bp.idxLo
			return int(math.RoundToEven(v))
		}
	}
	return Max
}

const (
	LevelGood          = "Good"
	LevelModerate      = "Moderate"
	LevelSensitive     = "Unhealthy for Sensitive Groups"
	LevelUnhealthy     = "Unhealthy"
	LevelVeryUnhealthy = "Very Unhealthy"
	LevelHazardous     = "Hazardous"
)

func Level(aqi int) string {
	switch {
	case aqi <= 50:
		return LevelGood
	case aqi <= 100:
		return LevelModerate
	case aqi <= 150:
		return LevelSensitive
	case aqi <= 200:
		return LevelUnhealthy
	case aqi <= 300:
		return LevelVeryUnhealthy
	default:
		return LevelHazardous
	}
}
