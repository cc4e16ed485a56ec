// Package slicer wraps a headless PrusaSlicer binary: it validates slicing
// parameters, runs the engine against an uploaded model under a wall-clock
// timeout, parses the generated report and derives material usage.
package slicer

import "strings"

// DefaultFilamentDiameterMm is the filament cross-section assumed when
// deriving extruded volume from length.
const DefaultFilamentDiameterMm = 1.75

// FilamentTable maps filament type names to densities in g/cm³. Built once at
// startup and read-only afterwards.
type FilamentTable map[string]float64

// DefaultFilamentTable returns the built-in density table.
func DefaultFilamentTable() FilamentTable {
	return FilamentTable{
		"PLA":   1.24,
		"PETG":  1.27,
		"ABS":   1.04,
		"TPU":   1.21,
		"NYLON": 1.14,
		"ASA":   1.07,
	}
}

// NewFilamentTable returns the default table with any config-supplied entries
// added or overridden. Keys are normalized to upper case.
func NewFilamentTable(overrides map[string]float64) FilamentTable {
	t := DefaultFilamentTable()
	for name, density := range overrides {
		if density > 0 {
			t[strings.ToUpper(name)] = density
		}
	}
	return t
}

// Density looks up the density for the given filament type, case-insensitive.
func (t FilamentTable) Density(name string) (float64, bool) {
	d, ok := t[strings.ToUpper(name)]
	return d, ok
}
