// Package config loads the server configuration: a single yaml document
// read once at startup and treated as immutable afterwards.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Name    string `yaml:"name"`
	OrgRoot string `yaml:"org_root"`

	StorageDirectory    string `yaml:"storage_directory"`
	IndexDirectory      string `yaml:"index_directory"`
	StorageCompression  bool   `yaml:"storage_compression"`
	MaximumStorageSize  uint64 `yaml:"maximum_storage_size"` // MB, 0 = unlimited
	MaximumPatientCount uint64 `yaml:"maximum_patient_count"` // 0 = unlimited

	DICOM   DICOMConfig              `yaml:"dicom"`
	HTTP    HTTPConfig               `yaml:"http"`
	Logging LoggingConfig            `yaml:"logging"`

	Modalities map[string]ModalityConfig `yaml:"modalities"`
	Peers      map[string]PeerConfig     `yaml:"peers"`

	LuaScripts       []string          `yaml:"lua_scripts"`
	UserMetadata     map[string]int    `yaml:"user_metadata"`
	UserContentTypes map[string]int    `yaml:"user_content_types"`
	RegisteredUsers  map[string]string `yaml:"registered_users"`
}

// DICOMConfig drives the DICOM server and client sides.
type DICOMConfig struct {
	Disabled            bool   `yaml:"disabled"`
	Port                int    `yaml:"port"`
	AET                 string `yaml:"aet"`
	CheckCalledAET      bool   `yaml:"check_called_aet"`
	StrictAETComparison bool   `yaml:"strict_aet_comparison"`
	ClientTimeout       int    `yaml:"client_timeout"` // seconds
}

// HTTPConfig drives the REST server.
type HTTPConfig struct {
	Disabled              bool   `yaml:"disabled"`
	Port                  int    `yaml:"port"`
	RemoteAccessAllowed   bool   `yaml:"remote_access_allowed"`
	AuthenticationEnabled bool   `yaml:"authentication_enabled"`
	SSLEnabled            bool   `yaml:"ssl_enabled"`
	SSLCertificate        string `yaml:"ssl_certificate"`
	SSLKey                string `yaml:"ssl_key"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// ModalityConfig identifies a remote DICOM application entity, the
// possible target of a C-MOVE.
type ModalityConfig struct {
	AET  string `yaml:"aet"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PeerConfig identifies a remote HTTP peer.
type PeerConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoadConfig loads configuration from file.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.validateAndSetDefaults()
	return &config, nil
}

// SaveConfig saves configuration to file.
func SaveConfig(config *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.validateAndSetDefaults()
	return cfg
}

// validateAndSetDefaults validates configuration and sets defaults.
func (c *Config) validateAndSetDefaults() {
	if c.Name == "" {
		c.Name = "gopacs"
	}
	if c.StorageDirectory == "" {
		c.StorageDirectory = "gopacs-storage"
	}
	if c.IndexDirectory == "" {
		c.IndexDirectory = c.StorageDirectory
	}

	if c.DICOM.Port == 0 {
		c.DICOM.Port = 4242
	}
	if c.DICOM.AET == "" {
		c.DICOM.AET = "GOPACS"
	}
	if c.DICOM.ClientTimeout == 0 {
		c.DICOM.ClientTimeout = 30
	}

	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8042
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Modalities == nil {
		c.Modalities = map[string]ModalityConfig{}
	}
	if c.Peers == nil {
		c.Peers = map[string]PeerConfig{}
	}
	if c.RegisteredUsers == nil {
		c.RegisteredUsers = map[string]string{}
	}
}

// GetModality returns a remote modality by its symbolic name or AET.
func (c *Config) GetModality(name string) (ModalityConfig, bool) {
	if m, ok := c.Modalities[name]; ok {
		return m, true
	}
	for _, m := range c.Modalities {
		if m.AET == name {
			return m, true
		}
	}
	return ModalityConfig{}, false
}

// ListModalities returns the symbolic names of the configured modalities.
func (c *Config) ListModalities() []string {
	var names []string
	for name := range c.Modalities {
		names = append(names, name)
	}
	return names
}

// IndexPath returns the location of the index database file.
func (c *Config) IndexPath() string {
	return filepath.Join(c.IndexDirectory, "index.db")
}
