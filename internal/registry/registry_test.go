package registry

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "devices.yaml"))
	if err := s.Load(); err != nil {
		t.Fatalf("load should tolerate a missing file: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d devices", s.Len())
	}
}

func TestAppendPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")

	s := NewStore(path)
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	dev := Device{ID: "aa:bb:cc:dd:ee:ff", Name: "Quad", AutoConnect: true, WriteWithResponse: true}
	if err := s.Append(dev); err != nil {
		t.Fatalf("append: %v", err)
	}

	reloaded := NewStore(path)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.Lookup(dev.ID)
	if !ok {
		t.Fatal("device missing after reload")
	}
	if got != dev {
		t.Errorf("expected %+v, got %+v", dev, got)
	}
}

func TestAppendIgnoresDuplicateID(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "devices.yaml"))
	if err := s.Append(Device{ID: "aa", Name: "First"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(Device{ID: "aa", Name: "Second"}); err != nil {
		t.Fatalf("append duplicate: %v", err)
	}

	if s.Len() != 1 {
		t.Fatalf("expected 1 device, got %d", s.Len())
	}
	got, _ := s.Lookup("aa")
	if got.Name != "First" {
		t.Errorf("duplicate append must not overwrite, got name %q", got.Name)
	}
}

func TestDevicesReturnsCopy(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "devices.yaml"))
	if err := s.Append(Device{ID: "aa", Name: "Quad"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	devices := s.Devices()
	devices[0].Name = "mutated"

	got, _ := s.Lookup("aa")
	if got.Name != "Quad" {
		t.Error("mutating the returned slice must not affect the store")
	}
}

func TestLookupUnknown(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "devices.yaml"))
	if _, ok := s.Lookup("missing"); ok {
		t.Error("lookup of unknown id should report not found")
	}
}
