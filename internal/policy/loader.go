package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// document is the on-disk YAML form of a snapshot.
type document struct {
	PolicyID string `yaml:"policy_id"`
	Version  uint64 `yaml:"version"`
	Rules    []Rule `yaml:"rules"`
}

// LoadFile reads a policy document from disk and finalizes it into a
// snapshot. The default effect is always deny regardless of the file.
func LoadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy: %w", err)
	}
	defer f.Close()

	var doc document
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if doc.PolicyID == "" {
		return nil, fmt.Errorf("policy document missing policy_id")
	}
	for i, r := range doc.Rules {
		if r.Effect != EffectAllow && r.Effect != EffectDeny {
			return nil, fmt.Errorf("rule %d (%s): effect must be allow or deny", i, r.Name)
		}
	}
	return NewSnapshot(doc.PolicyID, doc.Version, doc.Rules)
}
