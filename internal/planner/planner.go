package planner

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"tradeingest/internal/model"
)

// Plan yields one import unit per (reporter, month). Reporters are visited in lexicographic
// order and months chronologically, so equal inputs always give the same sequence.
func Plan(reporters []string, start, end model.Period) iter.Seq[model.FetchUnit] {
	codes := Reporters(reporters)
	return func(yield func(model.FetchUnit) bool) {
		if end.Before(start) {
			return
		}
		for _, reporter := range codes {
			for period := start; !end.Before(period); period = period.Next() {
				unit := model.FetchUnit{Reporter: reporter, Period: period, Flow: model.FlowImport}
				if !yield(unit) {
					return
				}
			}
		}
	}
}

// Count returns the number of units Plan yields for the same inputs.
func Count(reporters []string, start, end model.Period) int {
	if end.Before(start) {
		return 0
	}
	months := (end.Year-start.Year)*12 + end.Month - start.Month + 1
	return len(Reporters(reporters)) * months
}

// Cursor marks the last completed unit of an earlier run.
type Cursor struct {
	Reporter string
	Period   model.Period
}

// ParseCursor accepts REPORTER:YYYYMM, optionally followed by the remaining unit key fields.
func ParseCursor(value string) (Cursor, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) < 2 || parts[0] == "" {
		return Cursor{}, fmt.Errorf("invalid resume cursor %q (expected REPORTER:YYYYMM)", value)
	}
	period, err := model.ParsePeriod(parts[1])
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid resume cursor %q: %w", value, err)
	}
	return Cursor{Reporter: strings.ToUpper(parts[0]), Period: period}, nil
}

// Resume drops every unit up to and including the cursor position.
func Resume(seq iter.Seq[model.FetchUnit], after Cursor) iter.Seq[model.FetchUnit] {
	return func(yield func(model.FetchUnit) bool) {
		for unit := range seq {
			if !after.passed(unit) {
				continue
			}
			if !yield(unit) {
				return
			}
		}
	}
}

func (c Cursor) passed(unit model.FetchUnit) bool {
	if unit.Reporter != c.Reporter {
		return unit.Reporter > c.Reporter
	}
	return c.Period.Before(unit.Period)
}

// Reporters upper-cases, sorts and de-duplicates reporter codes, dropping blanks.
func Reporters(reporters []string) []string {
	codes := make([]string, 0, len(reporters))
	for _, reporter := range reporters {
		code := strings.ToUpper(strings.TrimSpace(reporter))
		if code != "" {
			codes = append(codes, code)
		}
	}
	slices.Sort(codes)
	return slices.Compact(codes)
}
