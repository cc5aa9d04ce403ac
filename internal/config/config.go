package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Config represents the sync server configuration
type Config struct {
	// Port is the preferred listening port. If taken, the next
	// PortProbeAttempts-1 ports are tried before giving up.
	Port              int `json:"port"`
	PortProbeAttempts int `json:"port_probe_attempts"`

	// HeartbeatSeconds is the interval between liveness pings. A connection
	// that has not answered the previous ping by the next tick is evicted.
	HeartbeatSeconds int `json:"heartbeat_seconds"`

	// MaxMessageSize caps a single inbound websocket frame in bytes.
	MaxMessageSize int64 `json:"max_message_size"`

	// MaxFileSize caps the size of files served over the protocol in bytes.
	MaxFileSize int64 `json:"max_file_size"`

	// Workspaces maps workspace names to their root directories.
	Workspaces map[string]string `json:"workspaces"`

	LogLevel string `json:"log_level"` // debug, info, warn, error, none
	LogPath  string `json:"-"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "filewire")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "filewire")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "filewire")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "filewire")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "filewire")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "filewire")
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "filewire")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "filewire")
	}
}

// DefaultConfigPath returns the default location of the config file
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Port:              8377,
		PortProbeAttempts: 10,
		HeartbeatSeconds:  30,
		MaxMessageSize:    1 << 20,  // 1 MiB
		MaxFileSize:       10 << 20, // 10 MiB
		Workspaces:        make(map[string]string),
		LogLevel:          "info",
		LogPath:           filepath.Join(defaultStateDir(), "filewired.log"),
	}
}

// Load reads configuration from path, falling back to defaults for any
// field the file does not set. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to path
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.PortProbeAttempts < 1 {
		return fmt.Errorf("port_probe_attempts must be at least 1, got %d", c.PortProbeAttempts)
	}
	if c.HeartbeatSeconds < 1 {
		return fmt.Errorf("heartbeat_seconds must be at least 1, got %d", c.HeartbeatSeconds)
	}
	if c.MaxMessageSize < 1024 {
		return fmt.Errorf("max_message_size too small: %d", c.MaxMessageSize)
	}
	return nil
}

// HeartbeatInterval returns the heartbeat interval as a duration
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}
