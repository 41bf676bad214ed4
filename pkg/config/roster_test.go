package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRosterResolvesEnvIndirection(t *testing.T) {
	t.Setenv("ROSTER_TEST_KEY", "key-123")
	t.Setenv("ROSTER_TEST_SECRET", "secret-456")

	path := filepath.Join(t.TempDir(), "accounts.yaml")
	content := `accounts:
  - broker: KRAKEN
    role: MASTER
    api_key_env: ROSTER_TEST_KEY
    api_secret_env: ROSTER_TEST_SECRET
  - broker: KRAKEN
    role: USER
    user_id: daivon
    api_key_env: ROSTER_UNSET_KEY
    api_secret_env: ROSTER_UNSET_SECRET
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write roster: %v", err)
	}

	creds, err := loadRoster(path)
	if err != nil {
		t.Fatalf("loadRoster: %v", err)
	}
	// The USER entry's key env var is unset, so only the master resolves.
	if len(creds) != 1 {
		t.Fatalf("resolved %d entries, expected 1", len(creds))
	}
	c := creds[0]
	if c.Broker != "KRAKEN" || c.Role != "MASTER" || c.APIKey != "key-123" || c.APISecret != "secret-456" {
		t.Fatalf("resolved entry %+v incorrect", c)
	}
}

func TestLoadRosterMissingFileIsNotAnError(t *testing.T) {
	creds, err := loadRoster(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil || creds != nil {
		t.Fatalf("missing roster should be (nil, nil), got (%v, %v)", creds, err)
	}
}

func TestLoadRosterValidates(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"missing broker", "accounts:\n  - role: MASTER\n    api_key_env: X\n"},
		{"user without user_id", "accounts:\n  - broker: KRAKEN\n    role: USER\n    api_key_env: X\n"},
		{"malformed yaml", "accounts: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := loadRoster(path); err == nil {
				t.Fatalf("expected a validation error")
			}
		})
	}
}

func TestMergeAccountsEnvWins(t *testing.T) {
	env := []AccountCreds{{Broker: "KRAKEN", Role: "MASTER", APIKey: "from-env"}}
	roster := []AccountCreds{
		{Broker: "KRAKEN", Role: "MASTER", APIKey: "from-roster"}, // duplicate: dropped
		{Broker: "OKX", Role: "USER", UserID: "u1", APIKey: "k"},  // new: kept
	}
	merged := mergeAccounts(env, roster)
	if len(merged) != 2 {
		t.Fatalf("merged=%d entries, expected 2", len(merged))
	}
	if merged[0].APIKey != "from-env" {
		t.Fatalf("env discovery should win on conflict, got %s", merged[0].APIKey)
	}
}
