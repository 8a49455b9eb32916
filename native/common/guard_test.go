package common

import (
	"errors"
	"testing"
)

func TestGuardNilViewNeverBlocks(t *testing.T) {
	if err := Guard(nil, "stablecoin"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestPausesToggle(t *testing.T) {
	pauses := NewPauses("Stablecoin")
	if err := Guard(pauses, "stablecoin"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	pauses.Set("stablecoin", false)
	if err := Guard(pauses, "stablecoin"); err != nil {
		t.Fatalf("expected resume, got %v", err)
	}
	pauses.Set("  ", true)
	if pauses.IsPaused("") {
		t.Fatalf("blank module must never be paused")
	}
}
