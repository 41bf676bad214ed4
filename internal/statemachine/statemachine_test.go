package statemachine

import (
	"os"
	"path/filepath"
	"testing"

	"apex-engine/internal/domain"
	"apex-engine/internal/persist"
)

func open(t *testing.T, dir string) *StateMachine {
	t.Helper()
	sm, err := Open(dir, filepath.Join(dir, "EMERGENCY_STOP"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return sm
}

func TestColdStartForcesOff(t *testing.T) {
	dir := t.TempDir()

	// Simulate a process killed while LIVE_ACTIVE.
	err := persist.WriteJSONAtomic(filepath.Join(dir, "engine_state.json"), domain.EngineState{
		Mode:   domain.ModeLiveActive,
		Reason: "previous run",
	})
	if err != nil {
		t.Fatalf("seed state: %v", err)
	}

	sm := open(t, dir)
	if sm.Mode() != domain.ModeOff {
		t.Fatalf("cold start mode=%s, expected OFF", sm.Mode())
	}
	if sm.CanTrade() {
		t.Fatalf("cold start must never allow trading")
	}

	// The forced OFF is persisted, not just in memory.
	var onDisk domain.EngineState
	if err := persist.ReadJSON(filepath.Join(dir, "engine_state.json"), &onDisk); err != nil {
		t.Fatalf("read persisted state: %v", err)
	}
	if onDisk.Mode != domain.ModeOff {
		t.Fatalf("persisted mode=%s, expected OFF", onDisk.Mode)
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		path    []domain.EngineMode
		wantErr bool
	}{
		{"off to dry run", []domain.EngineMode{domain.ModeDryRun}, false},
		{"off to live pending", []domain.EngineMode{domain.ModeLivePendingConfirmation}, false},
		{"full live path", []domain.EngineMode{domain.ModeLivePendingConfirmation, domain.ModeLiveActive}, false},
		{"off straight to live active", []domain.EngineMode{domain.ModeLiveActive}, true},
		{"dry run to live active", []domain.EngineMode{domain.ModeDryRun, domain.ModeLiveActive}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := open(t, t.TempDir())
			var err error
			for _, to := range tt.path {
				err = sm.Transition(to, "test")
				if err != nil {
					break
				}
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	sm := open(t, t.TempDir())
	if err := sm.Transition(domain.ModeDryRun, "test"); err != nil {
		t.Fatalf("OFF->DRY_RUN: %v", err)
	}
	before := sm.Mode()
	if err := sm.Transition(domain.ModeLiveActive, "illegal"); err == nil {
		t.Fatalf("DRY_RUN->LIVE_ACTIVE should be rejected")
	}
	if sm.Mode() != before {
		t.Fatalf("mode changed to %s after a rejected transition", sm.Mode())
	}
}

func TestEmergencyStopFromAnywhere(t *testing.T) {
	sm := open(t, t.TempDir())
	mustTransition(t, sm, domain.ModeLivePendingConfirmation)
	mustTransition(t, sm, domain.ModeLiveActive)

	if err := sm.Transition(domain.ModeEmergencyStop, "operator"); err != nil {
		t.Fatalf("EMERGENCY_STOP must always be reachable: %v", err)
	}
	if sm.CanTrade() {
		t.Fatalf("CanTrade must be false in EMERGENCY_STOP")
	}

	// Only Reset leaves EMERGENCY_STOP.
	if err := sm.Transition(domain.ModeDryRun, "nope"); err == nil {
		t.Fatalf("leaving EMERGENCY_STOP without Reset should be rejected")
	}
	if err := sm.Reset("manual reset"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if sm.Mode() != domain.ModeOff {
		t.Fatalf("Reset should land on OFF, got %s", sm.Mode())
	}
}

func TestKillLatchBlocksTransitions(t *testing.T) {
	sm := open(t, t.TempDir())
	if err := sm.Kill("api kill switch"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if sm.Mode() != domain.ModeEmergencyStop || sm.CanTrade() {
		t.Fatalf("Kill should latch EMERGENCY_STOP")
	}
	if err := sm.Transition(domain.ModeDryRun, "blocked"); err == nil {
		t.Fatalf("latched kill switch must block transitions until Reset")
	}
}

func TestPollKillFile(t *testing.T) {
	dir := t.TempDir()
	sm := open(t, dir)
	mustTransition(t, sm, domain.ModeLivePendingConfirmation)
	mustTransition(t, sm, domain.ModeLiveActive)

	sm.PollKillFile()
	if sm.Mode() != domain.ModeLiveActive {
		t.Fatalf("no kill file yet; mode=%s", sm.Mode())
	}

	if err := os.WriteFile(filepath.Join(dir, "EMERGENCY_STOP"), nil, 0644); err != nil {
		t.Fatalf("write kill file: %v", err)
	}
	sm.PollKillFile()
	if sm.Mode() != domain.ModeEmergencyStop {
		t.Fatalf("kill file should force EMERGENCY_STOP, mode=%s", sm.Mode())
	}
}

func TestKillFilePresentAtStartup(t *testing.T) {
	dir := t.TempDir()
	killPath := filepath.Join(dir, "EMERGENCY_STOP")
	if err := os.WriteFile(killPath, nil, 0644); err != nil {
		t.Fatalf("write kill file: %v", err)
	}
	sm, err := Open(dir, killPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if sm.Mode() != domain.ModeEmergencyStop || sm.CanTrade() {
		t.Fatalf("startup with kill file present should boot into EMERGENCY_STOP, mode=%s", sm.Mode())
	}
}

func mustTransition(t *testing.T, sm *StateMachine, to domain.EngineMode) {
	t.Helper()
	if err := sm.Transition(to, "test"); err != nil {
		t.Fatalf("transition to %s: %v", to, err)
	}
}
