package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadImages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sunset.raw")
	if err := os.WriteFile(path, []byte{0, '\n', 2}, 0o644); err != nil {
		t.Fatal(err)
	}
	images, err := loadImages([]string{path})
	if err != nil {
		t.Fatalf("loadImages error = %v", err)
	}
	if got := images["sunset"]; len(got) != 3 || got[1] != '\n' {
		t.Errorf("images = %v", images)
	}
	if _, err := loadImages([]string{filepath.Join(dir, "missing.raw")}); err == nil {
		t.Error("expected error for missing file")
	}
}
