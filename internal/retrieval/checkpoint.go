package retrieval

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint is the durable state of an in-progress retrieval run
type Checkpoint struct {
	LastIndex      int     `json:"last_index"`
	TotalRetrieved int     `json:"total_retrieved"`
	CurrentDelay   float64 `json:"current_delay"` // seconds
	Timestamp      float64 `json:"timestamp"`     // unix seconds
	// SpoolOffset is the size of the downstream spool when the checkpoint
	// was taken. Absent in checkpoints written without a spool.
	SpoolOffset *int64 `json:"spool_offset,omitempty"`
}

// NewCheckpoint builds a checkpoint stamped with at
func NewCheckpoint(lastIndex, total int, delay time.Duration, at time.Time) Checkpoint {
	return Checkpoint{
		LastIndex:      lastIndex,
		TotalRetrieved: total,
		CurrentDelay:   delay.Seconds(),
		Timestamp:      float64(at.UnixNano()) / float64(time.Second),
	}
}

// Delay returns CurrentDelay as a duration
func (c Checkpoint) Delay() time.Duration {
	return time.Duration(c.CurrentDelay * float64(time.Second))
}

// Time returns Timestamp as a time
func (c Checkpoint) Time() time.Time {
	sec, frac := math.Modf(c.Timestamp)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// Offset returns SpoolOffset and whether it was recorded
func (c Checkpoint) Offset() (int64, bool) {
	if c.SpoolOffset == nil {
		return 0, false
	}
	return *c.SpoolOffset, true
}

// CheckpointStore persists a single checkpoint file. Only one process may
// use a given path at a time.
type CheckpointStore struct {
	path string
}

// NewCheckpointStore creates a store for path
func NewCheckpointStore(path string) *CheckpointStore {
	return &CheckpointStore{path: path}
}

// Path returns the checkpoint file location
func (s *CheckpointStore) Path() string {
	return s.path
}

// Load returns the saved checkpoint, or nil when none exists. A file that
// exists but cannot be decoded is an error.
func (s *CheckpointStore) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", s.path, err)
	}
	if cp.LastIndex < 0 || cp.TotalRetrieved < 0 || cp.CurrentDelay < 0 ||
		(cp.SpoolOffset != nil && *cp.SpoolOffset < 0) {
		return nil, fmt.Errorf("invalid checkpoint %s: negative field", s.path)
	}
	return &cp, nil
}

// Save replaces the checkpoint atomically via a temp file and rename, so an
// interrupted write never leaves a torn file behind
func (s *CheckpointStore) Save(cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// Delete removes the checkpoint. A missing file is not an error.
func (s *CheckpointStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
