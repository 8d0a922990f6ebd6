package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/couchcryptid/flight-weather-etl/internal/artifact"
	"github.com/couchcryptid/flight-weather-etl/internal/domain"
	"github.com/couchcryptid/flight-weather-etl/internal/observability"
)

// Runner sequences stages in dependency order, applying the
// skip-if-unchanged check and halting dependents of a failed stage while
// unrelated branches keep running.
type Runner struct {
	stages  []*Stage
	byName  map[string]*Stage
	state   *StateStore
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	statuses map[string]Status
}

// StageReport is the outcome of one stage within a run.
type StageReport struct {
	Name   string
	Status Status
	Result Result
	Err    error
}

// Report collects stage outcomes in execution order.
type Report struct {
	Stages []StageReport
}

// Fatal reports whether any stage failed, which maps to a non-zero process
// exit.
func (r *Report) Fatal() bool {
	for _, s := range r.Stages {
		if s.Status == StatusFailed {
			return true
		}
	}
	return false
}

// New validates the stage list and builds a runner. Stages must be listed
// in dependency order and may only depend on stages listed before them,
// which keeps the graph acyclic by construction.
func New(stages []*Stage, state *StateStore, logger *slog.Logger, metrics *observability.Metrics) (*Runner, error) {
	byName := make(map[string]*Stage, len(stages))
	statuses := make(map[string]Status, len(stages))
	for _, st := range stages {
		if st.Name == "" {
			return nil, fmt.Errorf("stage with empty name")
		}
		if _, dup := byName[st.Name]; dup {
			return nil, fmt.Errorf("stage %q declared twice", st.Name)
		}
		for _, dep := range st.Deps {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on %q, which is not declared before it", st.Name, dep)
			}
		}
		byName[st.Name] = st
		statuses[st.Name] = StatusPending
	}
	return &Runner{
		stages:   stages,
		byName:   byName,
		state:    state,
		logger:   logger,
		metrics:  metrics,
		statuses: statuses,
	}, nil
}

// StageNames returns the declared stages in execution order.
func (r *Runner) StageNames() []string {
	names := make([]string, len(r.stages))
	for i, st := range r.stages {
		names[i] = st.Name
	}
	return names
}

// StageStatuses exposes the current state of every stage, for the status
// endpoint.
func (r *Runner) StageStatuses() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.statuses))
	for name, st := range r.statuses {
		out[name] = st.String()
	}
	return out
}

func (r *Runner) setStatus(name string, st Status) {
	r.mu.Lock()
	r.statuses[name] = st
	r.mu.Unlock()
	r.metrics.StageState.WithLabelValues(name).Set(float64(st))
}

// RunAll executes every stage in order. force bypasses the skip check for
// all of them.
func (r *Runner) RunAll(ctx context.Context, force bool) *Report {
	r.metrics.PipelineRuns.Inc()
	report := &Report{}

	failed := make(map[string]bool)
	for _, st := range r.stages {
		if blockedBy := r.blockingDep(st, failed); blockedBy != "" {
			r.logger.Warn("stage blocked by failed dependency", "stage", st.Name, "dependency", blockedBy)
			report.Stages = append(report.Stages, StageReport{
				Name:   st.Name,
				Status: StatusPending,
				Err:    fmt.Errorf("dependency %q failed", blockedBy),
			})
			// A blocked stage blocks its own dependents too.
			failed[st.Name] = true
			continue
		}

		sr := r.runStage(ctx, st, force)
		report.Stages = append(report.Stages, sr)
		if sr.Status == StatusFailed {
			failed[st.Name] = true
		}
	}
	return report
}

// RunOne executes a single stage by name, assuming its dependency artifacts
// are already on disk. force bypasses the skip check.
func (r *Runner) RunOne(ctx context.Context, name string, force bool) (*Report, error) {
	st, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q (have %v)", name, r.StageNames())
	}
	return &Report{Stages: []StageReport{r.runStage(ctx, st, force)}}, nil
}

// blockingDep returns the name of a transitively failed dependency, or "".
func (r *Runner) blockingDep(st *Stage, failed map[string]bool) string {
	for _, dep := range st.Deps {
		if failed[dep] {
			return dep
		}
	}
	return ""
}

func (r *Runner) runStage(ctx context.Context, st *Stage, force bool) StageReport {
	paths := st.fingerprintPaths()

	if !force {
		skip, err := r.skippable(st, paths)
		if err != nil {
			r.setStatus(st.Name, StatusFailed)
			return StageReport{Name: st.Name, Status: StatusFailed, Err: err}
		}
		if skip {
			r.logger.Info("stage skipped, inputs and outputs unchanged", "stage", st.Name)
			r.setStatus(st.Name, StatusSkipped)
			return StageReport{Name: st.Name, Status: StatusSkipped}
		}
	}

	// pending -> running requires the declared dependency artifacts.
	if st.Inputs != nil {
		for _, in := range st.Inputs() {
			if !artifact.Exists(in) {
				err := domain.MissingInput(in)
				r.logger.Error("stage missing input", "stage", st.Name, "path", in)
				r.setStatus(st.Name, StatusFailed)
				return StageReport{Name: st.Name, Status: StatusFailed, Err: err}
			}
		}
	}

	r.logger.Info("stage starting", "stage", st.Name)
	r.setStatus(st.Name, StatusRunning)
	start := time.Now()

	result, err := st.Run(ctx)
	elapsed := time.Since(start)
	r.metrics.StageDuration.WithLabelValues(st.Name).Observe(elapsed.Seconds())
	r.observeResult(st.Name, result)

	if err != nil {
		r.logger.Error("stage failed", "stage", st.Name, "error", err, "duration", elapsed)
		r.setStatus(st.Name, StatusFailed)
		// Drop any stale success record: the next run must not skip a
		// stage whose artifacts are in an unknown mix of old and new.
		if ferr := r.state.Forget(st.Name); ferr != nil {
			r.logger.Warn("failed to clear stage record", "stage", st.Name, "error", ferr)
		}
		return StageReport{Name: st.Name, Status: StatusFailed, Result: result, Err: err}
	}

	// Fingerprint after completion so post-run deletions (consumed
	// intermediates) are part of the recorded signature.
	fp, err := artifact.FingerprintAll(paths)
	if err == nil {
		err = r.state.Record(st.Name, fp)
	}
	if err != nil {
		r.logger.Error("stage succeeded but state not recorded", "stage", st.Name, "error", err)
		r.setStatus(st.Name, StatusFailed)
		return StageReport{Name: st.Name, Status: StatusFailed, Result: result, Err: err}
	}

	r.logger.Info("stage succeeded",
		"stage", st.Name,
		"duration", elapsed,
		"years_ok", len(result.YearsSucceeded),
		"years_skipped", len(result.YearsSkipped),
		"years_failed", len(result.YearsFailed),
		"rows_kept", result.Stats.RowsKept,
		"violations", result.Stats.Violations,
	)
	r.setStatus(st.Name, StatusSucceeded)
	return StageReport{Name: st.Name, Status: StatusSucceeded, Result: result}
}

func (r *Runner) skippable(st *Stage, paths []string) (bool, error) {
	rec, ok := r.state.Get(st.Name)
	if !ok {
		return false, nil
	}
	fp, err := artifact.FingerprintAll(paths)
	if err != nil {
		return false, fmt.Errorf("fingerprint stage %q: %w", st.Name, err)
	}
	return fp == rec.Fingerprint, nil
}

func (r *Runner) observeResult(stage string, res Result) {
	m := r.metrics
	m.RowsRead.WithLabelValues(stage).Add(float64(res.Stats.RowsRead))
	m.RowsWritten.WithLabelValues(stage).Add(float64(res.Stats.RowsKept))
	m.SchemaViolations.WithLabelValues(stage).Add(float64(res.Stats.Violations))
	m.PivotCollisions.Add(float64(res.Stats.Collisions))
	m.YearFailures.WithLabelValues(stage).Add(float64(len(res.YearsFailed)))
}

// FormatReport renders a run report for the CLI, one line per stage with
// per-year outcomes where applicable.
func FormatReport(report *Report) string {
	out := ""
	for _, sr := range report.Stages {
		line := fmt.Sprintf("%-18s %s", sr.Name, sr.Status)
		if len(sr.Result.YearsSucceeded) > 0 {
			line += fmt.Sprintf("  ok=%v", sr.Result.YearsSucceeded)
		}
		if len(sr.Result.YearsSkipped) > 0 {
			line += fmt.Sprintf("  skipped=%v", sr.Result.YearsSkipped)
		}
		if len(sr.Result.YearsFailed) > 0 {
			years := make([]int, 0, len(sr.Result.YearsFailed))
			for y := range sr.Result.YearsFailed {
				years = append(years, y)
			}
			sort.Ints(years)
			line += fmt.Sprintf("  failed=%v", years)
		}
		if sr.Err != nil {
			line += fmt.Sprintf("  (%v)", sr.Err)
		}
		out += line + "\n"
	}
	return out
}
