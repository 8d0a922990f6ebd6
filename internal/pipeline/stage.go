// Package pipeline orchestrates the staged flight/weather fusion: it owns
// the stage graph, the skip-if-unchanged check, and per-stage execution
// state. Stage bodies wire domain transforms to on-disk artifacts; the
// runner sequences them in dependency order.
package pipeline

import (
	"context"

	"github.com/couchcryptid/flight-weather-etl/internal/domain"
)

// Status is the lifecycle state of a stage within one pipeline run.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Result is what a stage body reports back to the runner.
type Result struct {
	// YearsSucceeded, YearsSkipped, and YearsFailed partition the configured
	// years for per-year stages. Whole-table stages leave them empty.
	YearsSucceeded []int
	YearsSkipped   []int
	YearsFailed    map[int]error

	Stats domain.SchemaStats
}

// recordYearFailure lazily allocates the failure map.
func (r *Result) recordYearFailure(year int, err error) {
	if r.YearsFailed == nil {
		r.YearsFailed = make(map[int]error)
	}
	r.YearsFailed[year] = err
}

// Stage is one unit of the pipeline with declared dependencies, inputs,
// outputs, and a body. Inputs and Outputs are full artifact paths; the
// runner fingerprints them for the skip check and verifies inputs exist
// before invoking the body.
type Stage struct {
	Name string
	Deps []string

	// Inputs are dependency artifacts that must exist before the stage can
	// transition pending -> running. Optional inputs (per-year artifacts a
	// tolerant stage may proceed without) belong in Fingerprints instead.
	Inputs func() []string

	// Outputs are the artifacts the stage promises to have written on
	// success.
	Outputs func() []string

	// Fingerprints lists additional paths folded into the skip check
	// without being required up front.
	Fingerprints func() []string

	Run func(ctx context.Context) (Result, error)
}

// fingerprintPaths is the set of paths whose combined signature decides
// whether the stage can be skipped.
func (s *Stage) fingerprintPaths() []string {
	var paths []string
	if s.Inputs != nil {
		paths = append(paths, s.Inputs()...)
	}
	if s.Outputs != nil {
		paths = append(paths, s.Outputs()...)
	}
	if s.Fingerprints != nil {
		paths = append(paths, s.Fingerprints()...)
	}
	return paths
}
