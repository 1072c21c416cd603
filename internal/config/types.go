package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config represents the complete driver process configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	State    StateConfig    `yaml:"state"`
	IPC      IPCConfig      `yaml:"ipc"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Registry RegistryConfig `yaml:"registry"`
	API      APIConfig      `yaml:"api"`

	// SourcePath is the file the config was loaded from; empty for defaults.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines logging settings.
type ServiceConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig locates the shared mount table and registry database, and the
// per-driver PID locks.
type StateConfig struct {
	Dir string `yaml:"dir"`
}

// IPCConfig locates driver sockets. Empty means <state.dir>/run.
type IPCConfig struct {
	SocketDir string `yaml:"socket_dir"`
}

// DispatchConfig tunes the request dispatcher.
type DispatchConfig struct {
	MaxReadSize int `yaml:"max_read_size"`
}

// RegistryConfig controls the readiness handshake.
type RegistryConfig struct {
	AutoReady    bool          `yaml:"auto_ready"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// APIConfig defines the status HTTP API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Defaults returns a Config usable without any file.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Dir: "./data",
		},
		Dispatch: DispatchConfig{
			MaxReadSize: 1 << 20,
		},
		Registry: RegistryConfig{
			AutoReady:    true,
			PollInterval: 100 * time.Millisecond,
			ReadyTimeout: 30 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8390",
		},
	}
}

// DatabasePath is the shared SQLite file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.State.Dir, "devserv.db")
}

// SocketDir holds driver sockets.
func (c *Config) SocketDir() string {
	if c.IPC.SocketDir != "" {
		return c.IPC.SocketDir
	}
	return filepath.Join(c.State.Dir, "run")
}

// SocketPath is where the driver for (device, index) listens.
func (c *Config) SocketPath(device string, index uint32) string {
	return filepath.Join(c.SocketDir(), fmt.Sprintf("%s.%d.sock", device, index))
}

// LockPath is the PID lock guarding a single (device, index) instance.
func (c *Config) LockPath(device string, index uint32) string {
	return filepath.Join(c.State.Dir, "locks", fmt.Sprintf("%s.%d.lock", device, index))
}
