package monitor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiskMonitor_Usage(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmpDir, "outbox", "a1"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "outbox", "a1", "f.csv"), []byte("test data"), 0o644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	dm := NewDiskMonitor(tmpDir)
	usage, err := dm.Usage()
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if usage[tmpDir] != 9 {
		t.Errorf("Usage()[dir] = %d, want 9", usage[tmpDir])
	}
}

func TestDiskMonitor_MissingDirIsEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "not-created")
	dm := NewDiskMonitor(dir)

	usage, err := dm.Usage()
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if usage[dir] != 0 {
		t.Errorf("Usage()[dir] = %d, want 0", usage[dir])
	}
}

func TestDiskMonitor_Caching(t *testing.T) {
	tmpDir := t.TempDir()
	dm := NewDiskMonitor(tmpDir)

	usage1, err := dm.Usage()
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "late.bin"), []byte("1234"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	usage2, err := dm.Usage()
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if usage1[tmpDir] != usage2[tmpDir] {
		t.Errorf("Cached values differ: %d != %d", usage1[tmpDir], usage2[tmpDir])
	}
}
