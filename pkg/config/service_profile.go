package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ServiceProfile is the on-disk representation of one entry in
// SERVICE_PROFILE_DIR. Each file holds one JSON object. The agent private
// key is never stored in the profile itself — only a reference to where it
// can be decrypted from, mirroring how wallet keystores are handled
// upstream (see pkg/chain/wallet.go, grounded on
// slowdrip-network-slowdrip-miner's internal/wallet/keystore.go).
type ServiceProfile struct {
	ServiceConfigID        string `json:"serviceConfigId"`
	ServiceID              int64  `json:"serviceId"`
	MechAddress            string `json:"mechAddress"`
	SafeAddress            string `json:"safeAddress"`
	AgentAddress           string `json:"agentAddress"`
	AgentKeystorePath      string `json:"agentKeystorePath"`
	Chain                  string `json:"chain"`
	StakingContract        string `json:"stakingContract,omitempty"`
	ActivityCheckerAddress string `json:"activityCheckerAddress,omitempty"`
}

// LoadServiceProfiles reads every *.json file in dir and parses it as a
// ServiceProfile. Files are processed in lexical order so that fixtures and
// tests are deterministic. A malformed file fails the whole load — a worker
// must never partially start with an inconsistent profile set.
func LoadServiceProfiles(dir string) ([]ServiceProfile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, NewLoadError(dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	profiles := make([]ServiceProfile, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, NewLoadError(path, err)
		}
		var p ServiceProfile
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidProfile, err))
		}
		if p.ServiceConfigID == "" {
			return nil, NewProfileFieldError(path, "serviceConfigId", ErrMissingRequiredField)
		}
		profiles = append(profiles, p)
	}

	return profiles, nil
}
