// Package registry persists the list of serial-bridge devices that have
// passed connection verification at least once. The connection engine uses
// it to pick the remembered write mode and to decide auto-connect
// eligibility for previously seen devices.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Device is one known peripheral. ID is the platform peripheral identity
// (MAC address on BlueZ) and is unique within the store.
type Device struct {
	ID                string `yaml:"id" json:"id"`
	Name              string `yaml:"name" json:"name"`
	AutoConnect       bool   `yaml:"auto_connect" json:"auto_connect"`
	WriteWithResponse bool   `yaml:"write_with_response" json:"write_with_response"`
}

// Store is a file-backed ordered device list.
type Store struct {
	mu       sync.RWMutex
	filePath string
	devices  []Device
}

func NewStore(filePath string) *Store {
	return &Store{filePath: filePath}
}

// Load reads the device list from disk. A missing file is not an error and
// leaves the store empty.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			s.devices = nil
			return nil
		}
		return err
	}

	var devices []Device
	if err := yaml.Unmarshal(data, &devices); err != nil {
		return fmt.Errorf("failed to parse device registry: %w", err)
	}

	s.devices = devices
	return nil
}

// Lookup returns the known device with the given identity.
func (s *Store) Lookup(id string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, dev := range s.devices {
		if dev.ID == id {
			return dev, true
		}
	}
	return Device{}, false
}

// Append adds a newly verified device and persists the list. Appending an
// identity that is already present leaves the store unchanged.
func (s *Store) Append(dev Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.devices {
		if existing.ID == dev.ID {
			return nil
		}
	}

	s.devices = append(s.devices, dev)
	return s.persistUnsafe()
}

// Persist writes the current list to disk.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistUnsafe()
}

func (s *Store) persistUnsafe() error {
	data, err := yaml.Marshal(s.devices)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return os.WriteFile(s.filePath, data, 0644)
}

// Devices returns a copy of the known-device list in insertion order.
func (s *Store) Devices() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]Device, len(s.devices))
	copy(devices, s.devices)
	return devices
}

// Len returns the number of known devices.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}
