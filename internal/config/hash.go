package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name written next to the root config.
const ChecksumFile = ".checksums"

// ChecksumManifest pins the BLAKE3 hash of every config file, keyed by path
// relative to the config directory.
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
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint identifies a configuration generation: the BLAKE3 hash of its
// canonical YAML encoding.
func Fingerprint(cfg *Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// WriteChecksums hashes the config at configPath plus its includes and writes
// the manifest into the config directory. It returns the manifest path.
func WriteChecksums(configPath string) (string, *ChecksumManifest, error) {
	files, err := Files(configPath)
	if err != nil {
		return "", nil, err
	}
	root, err := resolveConfigPath(configPath)
	if err != nil {
		return "", nil, err
	}
	dir := filepath.Dir(root)

	manifest := &ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(files)),
	}
	for _, f := range files {
		hash, err := ComputeBlake3Hash(f)
		if err != nil {
			return "", nil, fmt.Errorf("failed to hash %s: %w", f, err)
		}
		manifest.Hashes[relTo(dir, f)] = hash
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	out := filepath.Join(dir, ChecksumFile)
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return "", nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	return out, manifest, nil
}

// LoadChecksums reads the manifest from configDir. A missing manifest
// returns (nil, nil).
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
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

// verifyChecksums compares loaded file hashes against the manifest in
// configDir, when one exists.
func verifyChecksums(configDir string, hashes map[string]string) error {
	manifest, err := LoadChecksums(configDir)
	if err != nil || manifest == nil {
		return err
	}

	var p problems
	paths := make([]string, 0, len(hashes))
	for path := range hashes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		rel := relTo(configDir, path)
		want, ok := manifest.Hashes[rel]
		switch {
		case !ok:
			p.addf("%s is not pinned in %s (run 'switchyard config lock')", rel, ChecksumFile)
		case want != hashes[path]:
			p.addf("hash mismatch for %s (expected %s, got %s)", rel, want, hashes[path])
		}
	}
	if len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}

func relTo(dir, path string) string {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return path
	}
	return rel
}
