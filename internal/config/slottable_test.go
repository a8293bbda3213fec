package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSlotTable_Default(t *testing.T) {
	table, err := LoadSlotTable("", 3)
	if err != nil {
		t.Fatalf("LoadSlotTable error = %v", err)
	}
	if table.Size() != 3 {
		t.Errorf("expected size 3, got %d", table.Size())
	}
	if slot, ok := table.Lookup("204"); !ok || slot != 2 {
		t.Errorf("expected 204 -> 2, got %d %v", slot, ok)
	}
	if _, ok := table.Lookup("221"); ok {
		t.Error("expected 221 to be outside a three-slot table")
	}
}

func TestLoadSlotTable_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slots.yaml")
	data := "slots: 2\ndisplays:\n  \"10\": 1\n  \"11\": 0\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	table, err := LoadSlotTable(path, 10)
	if err != nil {
		t.Fatalf("LoadSlotTable error = %v", err)
	}
	if table.Size() != 2 {
		t.Errorf("expected file slots to override, got %d", table.Size())
	}
	if slot, ok := table.Lookup("10"); !ok || slot != 1 {
		t.Errorf("expected 10 -> 1, got %d %v", slot, ok)
	}
}

func TestParseSlotTable_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"yaml", "displays: [1, 2"},
		{"empty", "slots: 2\n"},
		{"out of range", "displays:\n  \"1\": 5\n"},
		{"duplicate slot", "displays:\n  \"1\": 0\n  \"2\": 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSlotTable([]byte(tt.data), 2); err == nil {
				t.Errorf("expected error for %q", tt.data)
			}
		})
	}
}

func TestLoadSlotTable_MissingFile(t *testing.T) {
	if _, err := LoadSlotTable(filepath.Join(t.TempDir(), "nope.yaml"), 2); err == nil {
		t.Error("expected error for missing file")
	}
}
