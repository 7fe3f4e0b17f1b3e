package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_MissingFile(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "positions.yaml"))
	m1, m2, err := f.Load()
	if err != nil || m1 != 0 || m2 != 0 {
		t.Errorf("Load() = %d, %d, %v; want 0, 0, nil", m1, m2, err)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "positions.yaml")
	f := NewFile(path)
	for _, tc := range [][2]int64{{0, 0}, {123, -456}, {-2048, 2048}, {1_000_000, -1_000_000}} {
		if err := f.Save(tc[0], tc[1]); err != nil {
			t.Fatal(err)
		}
		m1, m2, err := NewFile(path).Load()
		if err != nil {
			t.Fatal(err)
		}
		if m1 != tc[0] || m2 != tc[1] {
			t.Errorf("round trip %v -> %d, %d", tc, m1, m2)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "motor1_position:") || !strings.Contains(string(data), "motor2_position:") {
		t.Errorf("unexpected file contents:\n%s", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestLoad_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.yaml")
	if err := os.WriteFile(path, []byte("motor1_position: [oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := NewFile(path).Load(); err == nil {
		t.Error("expected error for corrupt file")
	}
}
