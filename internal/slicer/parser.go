package slicer

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Stats holds the normalized figures extracted from a slicer report.
type Stats struct {
	PrintTimeMinutes float64
	FilamentLengthMm float64
}

// ErrUnparsableOutput is returned when the expected markers are missing from
// the slicer report.
var ErrUnparsableOutput = errors.New("could not extract print statistics from slicer output")

// The patterns below are pinned to PrusaSlicer's report phrasing, which is
// not a stable contract across versions. Keep every pattern in this file so
// a version bump only touches the parser.
var (
	printTimeRe = regexp.MustCompile(`(?i)estimated printing time[^=]*=\s*(.+)`)
	lengthMmRe  = regexp.MustCompile(`(?i)filament used\s*\[mm\]\s*=\s*([0-9.]+)`)
	lengthMRe   = regexp.MustCompile(`(?i)filament used\s*\[m\]\s*=\s*([0-9.]+)`)
	// Unit-suffixed form, e.g. "Filament used: 851.2mm" or "... = 2.3m".
	lengthSuffixRe = regexp.MustCompile(`(?i)filament used[^=:0-9]*[=:]\s*([0-9.]+)\s*(mm|m)\b`)

	decimalRe = regexp.MustCompile(`^[0-9]+(?:\.[0-9]+)?$`)
	daysRe    = regexp.MustCompile(`(\d+)d`)
	hoursRe   = regexp.MustCompile(`(\d+)h`)
	minutesRe = regexp.MustCompile(`(\d+)m`)
	secondsRe = regexp.MustCompile(`(\d+)s`)
)

// ParseReport scans a slicer report (G-code statistic comments plus captured
// stdout) for print time and filament length. Both markers must be present;
// on format drift it fails rather than guessing.
func ParseReport(text string) (Stats, error) {
	var stats Stats
	var haveTime, haveLength bool

	for _, line := range strings.Split(text, "\n") {
		if !haveTime {
			if m := printTimeRe.FindStringSubmatch(line); m != nil {
				if minutes, ok := parsePrintTime(m[1]); ok {
					stats.PrintTimeMinutes = minutes
					haveTime = true
				}
			}
		}
		if !haveLength {
			if mm, ok := parseFilamentLength(line); ok {
				stats.FilamentLengthMm = mm
				haveLength = true
			}
		}
		if haveTime && haveLength {
			return stats, nil
		}
	}
	return Stats{}, ErrUnparsableOutput
}

// parsePrintTime normalizes either a component form ("1h 30m 45s", days
// allowed) or a bare decimal ("42.5", taken as minutes) to minutes.
func parsePrintTime(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if decimalRe.MatchString(s) {
		v, err := strconv.ParseFloat(s, 64)
		return v, err == nil
	}

	var seconds int
	found := false
	for _, unit := range []struct {
		re   *regexp.Regexp
		mult int
	}{
		{daysRe, 86400},
		{hoursRe, 3600},
		{minutesRe, 60},
		{secondsRe, 1},
	} {
		if m := unit.re.FindStringSubmatch(s); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return 0, false
			}
			seconds += n * unit.mult
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return float64(seconds) / 60, true
}

func parseFilamentLength(line string) (float64, bool) {
	if m := lengthMmRe.FindStringSubmatch(line); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		return v, err == nil
	}
	if m := lengthMRe.FindStringSubmatch(line); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		return v * 1000, err == nil
	}
	if m := lengthSuffixRe.FindStringSubmatch(line); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		if strings.EqualFold(m[2], "m") {
			v *= 1000
		}
		return v, true
	}
	return 0, false
}
