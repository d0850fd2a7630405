package models

import "testing"

func TestBackendConfigValidation(t *testing.T) {
	if _, err := NewAdversarialBackend(BackendConfig{NumClasses: 0}); err == nil {
		t.Fatal("expected error for zero classes")
	}
	if _, err := NewAdversarialBackend(BackendConfig{NumClasses: 255}); err == nil {
		t.Fatal("expected error for class count colliding with the ignore range")
	}
}
