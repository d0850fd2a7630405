package train

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"testing"
)

func TestRunStateRoundTrip(t *testing.T) {
	path := RunStatePath(t.TempDir())
	if err := SaveRunState(path, RunState{GlobalStep: 1234, Seed: 99}); err != nil {
		t.Fatalf("SaveRunState returned error: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind after save")
	}
	st, err := LoadRunState(path)
	if err != nil {
		t.Fatalf("LoadRunState returned error: %v", err)
	}
	if st.GlobalStep != 1234 || st.Seed != 99 {
		t.Fatalf("round trip lost state: %+v", st)
	}
	if st.SavedAt.IsZero() {
		t.Fatal("expected save timestamp to be recorded")
	}
}

func TestLoadRunStateRejectsWrongVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run_state.gob")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating fixture: %v", err)
	}
	if err := gob.NewEncoder(f).Encode(RunState{Version: 99, GlobalStep: 5}); err != nil {
		t.Fatalf("encoding fixture: %v", err)
	}
	f.Close()
	if _, err := LoadRunState(path); err == nil {
		t.Fatal("expected version mismatch error")
	}
}

func TestLoadRunStateMissing(t *testing.T) {
	if _, err := LoadRunState(filepath.Join(t.TempDir(), "nope.gob")); err == nil {
		t.Fatal("expected error for missing run state")
	}
}

func TestVerifyResume(t *testing.T) {
	if err := VerifyResume(RunState{GlobalStep: 10}, 10); err != nil {
		t.Fatalf("matching steps should verify, got %v", err)
	}
	if err := VerifyResume(RunState{GlobalStep: 10}, 7); err == nil {
		t.Fatal("expected error for mismatched steps")
	}
}
