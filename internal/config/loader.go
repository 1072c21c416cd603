package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxReadSizeLimit matches the largest frame the socket transport carries.
const MaxReadSizeLimit = 16 << 20

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from path. An empty path yields Defaults. When a
// .checksums manifest sits beside the file, the file must match its hash.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Defaults()
		return cfg, validate(cfg)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}
	if err := verifyIfLocked(absPath); err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func verifyIfLocked(path string) error {
	err := Verify(path)
	if errors.Is(err, ErrNoManifest) {
		return nil
	}
	return err
}

// applyDefaults fills values an explicit file zeroed out.
func applyDefaults(cfg *Config) {
	def := Defaults()
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = def.Service.LogFormat
	}
	if cfg.State.Dir == "" {
		cfg.State.Dir = def.State.Dir
	}
	if cfg.Dispatch.MaxReadSize == 0 {
		cfg.Dispatch.MaxReadSize = def.Dispatch.MaxReadSize
	}
	if cfg.Registry.PollInterval == 0 {
		cfg.Registry.PollInterval = def.Registry.PollInterval
	}
	if cfg.Registry.ReadyTimeout == 0 {
		cfg.Registry.ReadyTimeout = def.Registry.ReadyTimeout
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = def.API.Listen
	}
}

// interpolateEnv replaces ${VAR} with environment variable values. Unset
// variables are left in place and rejected by validate.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Service.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("service.log_level %q is not one of debug, info, warn, error", cfg.Service.LogLevel)
	}
	switch strings.ToLower(cfg.Service.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format %q is not one of json, text", cfg.Service.LogFormat)
	}
	if cfg.Dispatch.MaxReadSize <= 0 || cfg.Dispatch.MaxReadSize > MaxReadSizeLimit {
		return fmt.Errorf("dispatch.max_read_size must be in 1..%d", MaxReadSizeLimit)
	}
	if cfg.Registry.PollInterval <= 0 {
		return fmt.Errorf("registry.poll_interval must be positive")
	}
	if cfg.Registry.ReadyTimeout < cfg.Registry.PollInterval {
		return fmt.Errorf("registry.ready_timeout must be at least registry.poll_interval")
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled is true")
	}

	for field, value := range map[string]string{
		"state.dir":      cfg.State.Dir,
		"ipc.socket_dir": cfg.IPC.SocketDir,
		"api.listen":     cfg.API.Listen,
	} {
		if m := envVarPattern.FindString(value); m != "" {
			return fmt.Errorf("%s references unset environment variable %s", field, m)
		}
	}
	return nil
}
