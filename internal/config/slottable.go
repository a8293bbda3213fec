package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sheerbytes/panelcast/internal/registry"
)

// slotTableFile is the on-disk identity table:
//
//	slots: 4
//	displays:
//	  "161": 0
//	  "168": 1
type slotTableFile struct {
	Slots    int            `yaml:"slots"`
	Displays map[string]int `yaml:"displays"`
}

// LoadSlotTable reads the identity table at path. An empty path selects the
// built-in table for slots. A slots value in the file overrides the argument.
func LoadSlotTable(path string, slots int) (*registry.IdentityTable, error) {
	if path == "" {
		return registry.DefaultIdentityTable(slots)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read slot table: %w", err)
	}
	return ParseSlotTable(data, slots)
}

// ParseSlotTable decodes a YAML identity table.
func ParseSlotTable(data []byte, slots int) (*registry.IdentityTable, error) {
	var file slotTableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse slot table: %w", err)
	}
	if file.Slots > 0 {
		slots = file.Slots
	}
	if len(file.Displays) == 0 {
		return nil, fmt.Errorf("slot table has no displays")
	}
	table, err := registry.NewIdentityTable(slots, file.Displays)
	if err != nil {
		return nil, fmt.Errorf("invalid slot table: %w", err)
	}
	return table, nil
}
