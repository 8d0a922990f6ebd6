package domain

import (
	"errors"
	"fmt"
)

// ErrMissingInput marks a stage dependency artifact that does not exist.
// Wrap it with the missing path via MissingInput; test with errors.Is.
var ErrMissingInput = errors.New("missing input artifact")

// MissingInput returns an ErrMissingInput carrying the absent path.
func MissingInput(path string) error {
	return fmt.Errorf("%w: %s", ErrMissingInput, path)
}

// YearError records a failure scoped to a single year of a stage.
type YearError struct {
	Year int
	Err  error
}

func (e *YearError) Error() string {
	return fmt.Sprintf("year %d: %v", e.Year, e.Err)
}

func (e *YearError) Unwrap() error { return e.Err }

// SchemaStats counts rows excluded or flagged during a normalization pass.
// Excluded rows are never dropped silently; stages log and export these
// counts so source-data problems stay visible.
type SchemaStats struct {
	RowsRead   int
	RowsKept   int
	Violations int // rows excluded by required-column or type-coercion checks
	Collisions int // duplicate (station, date, element) rows resolved first-wins
}

// Add accumulates counts from another pass.
func (s *SchemaStats) Add(o SchemaStats) {
	s.RowsRead += o.RowsRead
	s.RowsKept += o.RowsKept
	s.Violations += o.Violations
	s.Collisions += o.Collisions
}
