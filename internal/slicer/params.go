package slicer

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Accepted parameter ranges.
const (
	MinLayerHeight = 0.1
	MaxLayerHeight = 0.4
	MinInfill      = 0
	MaxInfill      = 100
	MinWallCount   = 1
	MaxWallCount   = 10
)

// Params holds validated slicing parameters for one request.
type Params struct {
	LayerHeight     float64
	InfillDensity   int
	WallCount       int
	FilamentType    string
	DensityOverride *float64
}

// ParamError reports a rejected request parameter.
type ParamError struct {
	Field  string
	Detail string
}

func (e *ParamError) Error() string { return e.Detail }

// ErrUnsupportedFileType is returned for uploads that are not STL or 3MF.
var ErrUnsupportedFileType = &ParamError{
	Field:  "file",
	Detail: "Only STL and 3MF files are supported",
}

// ValidateFilename checks the uploaded file's extension, case-insensitive.
func ValidateFilename(name string) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".stl", ".3mf":
		return nil
	}
	return ErrUnsupportedFileType
}

// Validate checks all parameter ranges and the filament type. It has no side
// effects and must pass before any file is written or process spawned.
func (p Params) Validate(table FilamentTable) error {
	if p.LayerHeight < MinLayerHeight || p.LayerHeight > MaxLayerHeight {
		return &ParamError{
			Field:  "layer_height",
			Detail: fmt.Sprintf("layer_height must be between %g and %g mm, got %g", MinLayerHeight, MaxLayerHeight, p.LayerHeight),
		}
	}
	if p.InfillDensity < MinInfill || p.InfillDensity > MaxInfill {
		return &ParamError{
			Field:  "infill_density",
			Detail: fmt.Sprintf("infill_density must be between %d and %d, got %d", MinInfill, MaxInfill, p.InfillDensity),
		}
	}
	if p.WallCount < MinWallCount || p.WallCount > MaxWallCount {
		return &ParamError{
			Field:  "wall_count",
			Detail: fmt.Sprintf("wall_count must be between %d and %d, got %d", MinWallCount, MaxWallCount, p.WallCount),
		}
	}
	if p.DensityOverride != nil {
		if *p.DensityOverride <= 0 {
			return &ParamError{
				Field:  "filament_density",
				Detail: fmt.Sprintf("filament_density must be positive, got %g", *p.DensityOverride),
			}
		}
		return nil
	}
	if _, ok := table.Density(p.FilamentType); !ok {
		return &ParamError{
			Field:  "filament_type",
			Detail: fmt.Sprintf("unknown filament_type %q and no filament_density override given", p.FilamentType),
		}
	}
	return nil
}
