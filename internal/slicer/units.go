package slicer

import (
	"fmt"
	"math"
)

// FilamentUsage derives extruded volume (cm³) and weight (g) from filament
// length, filament diameter (mm) and material density (g/cm³).
//
//	volume = π · (d/2)² · length / 1000
//	weight = volume · density
func FilamentUsage(lengthMm, diameterMm, densityGPerCm3 float64) (volumeCm3, weightG float64) {
	r := diameterMm / 2
	volumeCm3 = math.Pi * r * r * lengthMm / 1000
	weightG = volumeCm3 * densityGPerCm3
	return volumeCm3, weightG
}

// FormatPrintTime renders a duration in minutes as a compact human string:
// "1h 30m 0s" when hours are present, otherwise "30m 2s". Minutes are always
// shown so sub-minute times read "0m 30s".
func FormatPrintTime(minutes float64) string {
	total := int(math.Round(minutes * 60))
	if total < 0 {
		total = 0
	}
	h := total / 3600
	m := total % 3600 / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	return fmt.Sprintf("%dm %ds", m, s)
}
