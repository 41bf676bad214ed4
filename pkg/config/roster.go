package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// rosterFile is the optional YAML account roster. Environment discovery
// covers the common case; the roster file exists for deployments with many
// USER accounts where a flat env-var list gets unwieldy. Secrets stay out
// of the file: each entry names the env vars its key material lives in.
type rosterFile struct {
	Accounts []rosterEntry `yaml:"accounts"`
}

type rosterEntry struct {
	Broker        string `yaml:"broker"`
	Role          string `yaml:"role"`
	UserID        string `yaml:"user_id,omitempty"`
	APIKeyEnv     string `yaml:"api_key_env"`
	APISecretEnv  string `yaml:"api_secret_env"`
	PassphraseEnv string `yaml:"passphrase_env,omitempty"`
	Paper         bool   `yaml:"paper,omitempty"`
}

// loadRoster parses path and resolves each entry's env-var indirections
// into AccountCreds. Entries whose key env var is unset are skipped (the
// roster may list more accounts than one deployment has keys for).
func loadRoster(path string) ([]AccountCreds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read roster %s: %w", path, err)
	}

	var rf rosterFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("config: parse roster %s: %w", path, err)
	}

	var out []AccountCreds
	for i, e := range rf.Accounts {
		if e.Broker == "" || e.Role == "" {
			return nil, fmt.Errorf("config: roster entry %d missing broker or role", i)
		}
		if e.Role == "USER" && e.UserID == "" {
			return nil, fmt.Errorf("config: roster entry %d: USER accounts need a user_id", i)
		}
		key := os.Getenv(e.APIKeyEnv)
		if key == "" {
			continue
		}
		out = append(out, AccountCreds{
			Broker:     e.Broker,
			Role:       e.Role,
			UserID:     e.UserID,
			APIKey:     key,
			APISecret:  os.Getenv(e.APISecretEnv),
			Passphrase: os.Getenv(e.PassphraseEnv),
			Paper:      e.Paper,
		})
	}
	return out, nil
}

// mergeAccounts appends roster entries that environment discovery did not
// already find; env discovery wins on conflicts so ad hoc overrides keep
// working without editing the roster file.
func mergeAccounts(discovered, roster []AccountCreds) []AccountCreds {
	seen := make(map[string]bool, len(discovered))
	for _, c := range discovered {
		seen[c.Broker+"/"+c.Role+"/"+c.UserID] = true
	}
	out := discovered
	for _, c := range roster {
		if !seen[c.Broker+"/"+c.Role+"/"+c.UserID] {
			out = append(out, c)
		}
	}
	return out
}
