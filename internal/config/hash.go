package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ManifestName is the checksum manifest written beside a config file.
const ManifestName = ".checksums"

var (
	// ErrNoManifest is returned by Verify when the directory is not locked.
	ErrNoManifest = errors.New("config: no checksum manifest")
	// ErrChecksumMismatch is returned when a locked file was modified.
	ErrChecksumMismatch = errors.New("config: checksum mismatch")
)

// ChecksumManifest maps config file base names to BLAKE3 hashes.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Lock records the hash of configPath in the manifest of its directory,
// keeping entries for other files.
func Lock(configPath string) (string, error) {
	dir := filepath.Dir(configPath)
	hash, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", configPath, err)
	}

	manifest, err := LoadChecksums(dir)
	if errors.Is(err, ErrNoManifest) {
		manifest = &ChecksumManifest{Version: 1, Hashes: map[string]string{}}
	} else if err != nil {
		return "", err
	}
	if manifest.Hashes == nil {
		manifest.Hashes = map[string]string{}
	}
	manifest.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	manifest.Hashes[filepath.Base(configPath)] = hash

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checksums: %w", err)
	}
	// Restrictive permissions: the manifest holds expected hashes.
	if err := os.WriteFile(filepath.Join(dir, ManifestName), data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write checksums: %w", err)
	}
	return hash, nil
}

// LoadChecksums reads the manifest from dir.
func LoadChecksums(dir string) (*ChecksumManifest, error) {
	path := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s (run 'devctl config lock')", ErrNoManifest, path)
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// Verify checks configPath against the manifest in its directory.
func Verify(configPath string) error {
	dir := filepath.Dir(configPath)
	manifest, err := LoadChecksums(dir)
	if err != nil {
		return err
	}

	name := filepath.Base(configPath)
	expected, ok := manifest.Hashes[name]
	if !ok {
		return fmt.Errorf("config file %s has no hash in %s\nRun: devctl config lock --config %s",
			name, filepath.Join(dir, ManifestName), configPath)
	}
	actual, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("%w for %s: expected %s, got %s\n"+
			"If you edited this file intentionally, run: devctl config lock --config %s",
			ErrChecksumMismatch, name, expected, actual, configPath)
	}
	return nil
}
