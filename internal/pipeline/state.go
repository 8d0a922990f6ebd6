package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/couchcryptid/flight-weather-etl/internal/artifact"
	"github.com/couchcryptid/flight-weather-etl/internal/domain"
)

// RunRecord remembers the artifact fingerprint at a stage's last successful
// completion. A stage whose current fingerprint matches its record is
// skippable: nothing it reads or writes has changed since it last succeeded.
type RunRecord struct {
	Fingerprint string    `json:"fingerprint"`
	CompletedAt time.Time `json:"completed_at"`
}

// StateStore persists run records as a JSON file next to the artifacts.
type StateStore struct {
	path    string
	records map[string]RunRecord
}

// LoadState reads the state file, treating a missing file as an empty store
// so first runs need no setup.
func LoadState(path string) (*StateStore, error) {
	s := &StateStore{path: path, records: make(map[string]RunRecord)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	return s, nil
}

// Get returns the record for a stage, if one exists.
func (s *StateStore) Get(stage string) (RunRecord, bool) {
	rec, ok := s.records[stage]
	return rec, ok
}

// Record stores a stage's post-success fingerprint and persists the store
// atomically, so a crash between stages never leaves a corrupt state file.
func (s *StateStore) Record(stage, fingerprint string) error {
	s.records[stage] = RunRecord{
		Fingerprint: fingerprint,
		CompletedAt: domain.Clock().Now().UTC(),
	}
	return s.flush()
}

// Forget drops a stage's record, forcing the next run to recompute it.
func (s *StateStore) Forget(stage string) error {
	if _, ok := s.records[stage]; !ok {
		return nil
	}
	delete(s.records, stage)
	return s.flush()
}

func (s *StateStore) flush() error {
	return artifact.WriteAtomic(s.path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s.records)
	})
}
