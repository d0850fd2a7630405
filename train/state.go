package train

import (
	"encoding/gob"
	"fmt"
	"os"
	"time"
)

// runStateVersion guards the sidecar format. Bump on layout changes so
// stale files are rejected instead of misread.
const runStateVersion = 1

// RunState is the loop-side remainder of a checkpoint: the parameter
// store persists networks, optimizer slots and the step variable, the
// sidecar records what the loop itself needs to verify and resume a
// run.
type RunState struct {
	Version    int
	GlobalStep int64
	Seed       int64
	SavedAt    time.Time
}

// SaveRunState writes the sidecar atomically: a temp file in the same
// directory, then a rename, so a crash mid-write never leaves a
// half-written state next to a valid checkpoint.
func SaveRunState(path string, st RunState) error {
	st.Version = runStateVersion
	st.SavedAt = time.Now()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create run state file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(st); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode run state: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close run state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move run state into place: %w", err)
	}
	return nil
}

// LoadRunState reads and validates a sidecar written by SaveRunState.
func LoadRunState(path string) (RunState, error) {
	f, err := os.Open(path)
	if err != nil {
		return RunState{}, fmt.Errorf("failed to open run state: %w", err)
	}
	defer f.Close()

	var st RunState
	if err := gob.NewDecoder(f).Decode(&st); err != nil {
		return RunState{}, fmt.Errorf("failed to decode run state %s: %w", path, err)
	}
	if st.Version != runStateVersion {
		return RunState{}, fmt.Errorf("run state %s has version %d, expected %d", path, st.Version, runStateVersion)
	}
	if st.GlobalStep < 0 {
		return RunState{}, fmt.Errorf("run state %s has negative step %d", path, st.GlobalStep)
	}
	return st, nil
}

// VerifyResume checks that the sidecar and the restored parameter store
// describe the same moment of the run. Restores are wholesale: a
// mismatch means mixed artifacts, which must fail rather than silently
// continue from inconsistent state.
func VerifyResume(st RunState, backendStep int64) error {
	if st.GlobalStep != backendStep {
		return fmt.Errorf("run state is at step %d but restored parameters are at step %d",
			st.GlobalStep, backendStep)
	}
	return nil
}
