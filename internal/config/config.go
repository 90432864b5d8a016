package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Web       WebConfig       `yaml:"web" json:"web"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
}

type WebConfig struct {
	Port int `yaml:"port" json:"port"`
}

type LoggingConfig struct {
	FilePath   string `yaml:"file_path" json:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	Debug      bool   `yaml:"debug" json:"debug"`
}

// TransportConfig controls the BLE connection engine.
type TransportConfig struct {
	// AutoConnectNewDevices connects to any unknown serial bridge that comes
	// within close range during a scan.
	AutoConnectNewDevices bool `yaml:"auto_connect_new_devices" json:"auto_connect_new_devices"`
	// AutoConnectKnownDevices connects to previously verified devices as soon
	// as they are discovered, regardless of signal strength.
	AutoConnectKnownDevices bool `yaml:"auto_connect_known_devices" json:"auto_connect_known_devices"`
	// RegistryPath is where the known-device list is persisted.
	RegistryPath string `yaml:"registry_path" json:"registry_path"`
}

type Manager struct {
	mu       sync.RWMutex
	config   *Config
	filePath string
}

func NewManager(filePath string) *Manager {
	return &Manager{
		filePath: filePath,
	}
}

func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.config = DefaultConfig()
			return m.saveUnsafe()
		}
		return err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}

	m.config = &cfg
	return nil
}

func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveUnsafe()
}

func (m *Manager) saveUnsafe() error {
	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}
	return os.WriteFile(m.filePath, data, 0600)
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.config
}

func (m *Manager) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = &cfg
	return m.saveUnsafe()
}

// AutoConnectNew reports whether unknown nearby devices should auto-connect.
// Satisfies transport.Settings.
func (m *Manager) AutoConnectNew() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Transport.AutoConnectNewDevices
}

// AutoConnectKnown reports whether previously verified devices should
// auto-connect. Satisfies transport.Settings.
func (m *Manager) AutoConnectKnown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Transport.AutoConnectKnownDevices
}

// Validate checks if the configuration is valid and returns detailed errors
func (c *Config) Validate() error {
	var errors []string

	if c.Web.Port < 1 || c.Web.Port > 65535 {
		errors = append(errors, fmt.Sprintf("web port %d is invalid (must be 1-65535)", c.Web.Port))
	}

	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, fmt.Sprintf("logging max size %d is invalid (must be >= 0)", c.Logging.MaxSizeMB))
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, fmt.Sprintf("logging max backups %d is invalid (must be >= 0)", c.Logging.MaxBackups))
	}

	if strings.TrimSpace(c.Transport.RegistryPath) == "" {
		errors = append(errors, "transport registry path is required")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Web: WebConfig{
			Port: 8080,
		},
		Logging: LoggingConfig{
			FilePath:   "",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Transport: TransportConfig{
			AutoConnectNewDevices:   false,
			AutoConnectKnownDevices: true,
			RegistryPath:            "devices.yaml",
		},
	}
}
