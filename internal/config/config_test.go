package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	m := NewManager(path)
	if err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config should be written to disk: %v", err)
	}
	cfg := m.Get()
	if cfg.Web.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Web.Port)
	}
	if !cfg.Transport.AutoConnectKnownDevices {
		t.Error("known-device auto-connect should default on")
	}
	if cfg.Transport.AutoConnectNewDevices {
		t.Error("new-device auto-connect should default off")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	m := NewManager(path)
	if err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := m.Get()
	cfg.Web.Port = 9090
	cfg.Transport.AutoConnectNewDevices = true
	if err := m.Update(cfg); err != nil {
		t.Fatalf("update: %v", err)
	}

	m2 := NewManager(path)
	if err := m2.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := m2.Get()
	if got.Web.Port != 9090 {
		t.Errorf("expected port 9090 after reload, got %d", got.Web.Port)
	}
	if !got.Transport.AutoConnectNewDevices {
		t.Error("auto-connect-new flag lost on reload")
	}
}

func TestUpdateRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m := NewManager(path)
	if err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	bad := m.Get()
	bad.Web.Port = 0
	bad.Transport.RegistryPath = " "
	err := m.Update(bad)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "port") || !strings.Contains(err.Error(), "registry path") {
		t.Errorf("expected both violations reported, got: %v", err)
	}

	if m.Get().Web.Port == 0 {
		t.Error("rejected update must not change the live config")
	}
}

func TestSettingsAccessors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m := NewManager(path)
	if err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	cfg := m.Get()
	cfg.Transport.AutoConnectNewDevices = true
	cfg.Transport.AutoConnectKnownDevices = false
	if err := m.Update(cfg); err != nil {
		t.Fatalf("update: %v", err)
	}

	if !m.AutoConnectNew() {
		t.Error("AutoConnectNew should mirror the config")
	}
	if m.AutoConnectKnown() {
		t.Error("AutoConnectKnown should mirror the config")
	}
}
