// Package statemachine implements the engine-wide StateMachine: a small
// guarded-transition state machine gating every AccountLoop's ability to
// place live orders, plus the KillSwitch that can force EMERGENCY_STOP
// from a file, an env var, or an API call. Persisted through
// internal/persist's atomic tmp-then-rename writer.
package statemachine

import (
	"fmt"
	"os"
	"sync"
	"time"

	"apex-engine/internal/domain"
	"apex-engine/internal/persist"
)

// allowedTransitions enumerates every legal (from, to) pair; anything
// absent is denied. EMERGENCY_STOP is reachable from any state
// (handled separately in Transition) and, once entered, is only left by
// an explicit operator Reset back to OFF.
var allowedTransitions = map[domain.EngineMode]map[domain.EngineMode]bool{
	domain.ModeOff: {
		domain.ModeDryRun:                  true,
		domain.ModeLivePendingConfirmation: true,
	},
	domain.ModeLivePendingConfirmation: {
		domain.ModeLiveActive: true,
	},
}

// StateMachine owns the process-wide EngineMode and persists every
// transition to {dataDir}/engine_state.json. Cold start always resets to
// ModeOff regardless of what was last persisted — a crash or
// restart never resumes LIVE_ACTIVE silently.
type StateMachine struct {
	mu       sync.RWMutex
	path     string
	state    domain.EngineState
	killed   bool
	killFile string
}

// Open loads (or initializes) state at {dataDir}/engine_state.json. The
// loaded mode is always discarded in favor of ModeOff; only the history
// (for auditing) would come from the file, and this implementation does
// not need it, so a fresh state is written immediately.
func Open(dataDir, killFilePath string) (*StateMachine, error) {
	path := dataDir + "/engine_state.json"
	sm := &StateMachine{
		path:     path,
		killFile: killFilePath,
		state: domain.EngineState{
			Mode:             domain.ModeOff,
			LastTransitionAt: time.Now(),
			Reason:           "cold start",
		},
	}
	if err := persist.WriteJSONAtomic(sm.path, sm.state); err != nil {
		return nil, fmt.Errorf("statemachine: persist cold-start state: %w", err)
	}
	if killFilePath != "" {
		if _, err := os.Stat(killFilePath); err == nil {
			sm.killed = true
			sm.state.Mode = domain.ModeEmergencyStop
			sm.state.Reason = "kill file present at startup"
		}
	}
	if os.Getenv("APEX_KILL_SWITCH") == "1" {
		sm.killed = true
		sm.state.Mode = domain.ModeEmergencyStop
		sm.state.Reason = "APEX_KILL_SWITCH env var set"
	}
	return sm, nil
}

// Mode returns the current state.
func (sm *StateMachine) Mode() domain.EngineMode {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state.Mode
}

// State returns a point-in-time copy of the full EngineState, for the
// read-only status endpoint.
func (sm *StateMachine) State() domain.EngineState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// CanTrade reports whether AccountLoop is allowed to place live orders:
// true only in ModeLiveActive, and false whenever the kill switch latched.
func (sm *StateMachine) CanTrade() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return !sm.killed && sm.state.Mode == domain.ModeLiveActive
}

// IsDryRun reports whether orders should be simulated rather than sent.
func (sm *StateMachine) IsDryRun() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state.Mode == domain.ModeDryRun
}

// Transition attempts to move to `to`, rejecting anything not in
// allowedTransitions. EMERGENCY_STOP is always reachable as an override.
func (sm *StateMachine) Transition(to domain.EngineMode, reason string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	from := sm.state.Mode
	if to == domain.ModeEmergencyStop {
		return sm.setLocked(to, reason)
	}
	if sm.killed {
		return fmt.Errorf("statemachine: kill switch latched, refusing transition to %s", to)
	}
	if from == domain.ModeEmergencyStop {
		return fmt.Errorf("statemachine: in EMERGENCY_STOP, requires explicit Reset before any transition")
	}
	if !allowedTransitions[from][to] {
		return fmt.Errorf("statemachine: illegal transition %s -> %s", from, to)
	}
	return sm.setLocked(to, reason)
}

// Reset clears EMERGENCY_STOP and the kill-switch latch, returning to OFF.
// Only an explicit operator action should call this; the kill switch
// does not self-clear.
func (sm *StateMachine) Reset(reason string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.killed = false
	return sm.setLocked(domain.ModeOff, reason)
}

// Kill forces EMERGENCY_STOP immediately, bypassing the transition table.
// Used by the API's kill-switch endpoint (via Supervisor.KillSwitch); an
// AccountLoop that hits a FATAL-class error halts itself without calling it.
func (sm *StateMachine) Kill(reason string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.killed = true
	return sm.setLocked(domain.ModeEmergencyStop, reason)
}

// PollKillFile checks the configured kill-file path and latches
// EMERGENCY_STOP if it now exists. AccountLoop calls this once per cycle
// so the file trigger is checked live, not only at startup.
func (sm *StateMachine) PollKillFile() {
	if sm.killFile == "" {
		return
	}
	if _, err := os.Stat(sm.killFile); err != nil {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.killed {
		return
	}
	sm.killed = true
	_ = sm.setLocked(domain.ModeEmergencyStop, "kill file detected")
}

func (sm *StateMachine) setLocked(to domain.EngineMode, reason string) error {
	sm.state = domain.EngineState{Mode: to, LastTransitionAt: time.Now(), Reason: reason}
	if err := persist.WriteJSONAtomic(sm.path, sm.state); err != nil {
		return fmt.Errorf("statemachine: persist transition to %s: %w", to, err)
	}
	return nil
}
