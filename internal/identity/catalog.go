package identity

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xkilldash9x/shroud/api/schemas"
)

// LoadCatalog parses a profile catalog file. A malformed file is a fatal
// startup condition: the caller must not continue with a partial identity
// set. Duplicate ids are rejected for the same reason.
func LoadCatalog(path string) ([]schemas.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile catalog %s: %w", path, err)
	}

	var profiles []schemas.Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("profile catalog %s is corrupt: %w", path, err)
	}

	seen := make(map[string]struct{}, len(profiles))
	for i, p := range profiles {
		if p.ID == "" {
			return nil, fmt.Errorf("profile catalog %s: entry %d is missing an id", path, i)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("profile catalog %s: duplicate profile id %q", path, p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return profiles, nil
}
