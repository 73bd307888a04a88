package paths

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules tune the Flattener.
type Rules struct {
	// Prefix is prepended as the first path segment when non-empty.
	Prefix string `yaml:"prefix"`
	// ExcludeEvents lists event types that are not broadcast at all.
	ExcludeEvents []string `yaml:"exclude_events"`
	// ExcludeFields lists top-level fields omitted from every event.
	ExcludeFields []string `yaml:"exclude_fields"`
}

// DefaultRules excludes nothing. The "event" field is always consumed as the
// second path segment and never emitted as a leaf.
func DefaultRules() Rules {
	return Rules{}
}

// LoadRules reads Rules from a YAML file.
//
// Precondition: path must point to a readable YAML file.
// Postcondition: Returns the parsed Rules or a non-nil error.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("reading rules file %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules parses Rules from YAML bytes.
func ParseRules(data []byte) (Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("parsing rules YAML: %w", err)
	}
	return r, nil
}
