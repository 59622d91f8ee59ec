package dist

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kandev/runtimed/internal/common/fsutil"
)

// ManifestFile is the file name of the sync manifest inside the dist dir.
const ManifestFile = "manifest.yaml"

// Manifest records the outcome of the last successful sync.
type Manifest struct {
	BaseURL  string          `yaml:"base_url" json:"base_url"`
	SyncedAt time.Time       `yaml:"synced_at" json:"synced_at"`
	Files    []ManifestEntry `yaml:"files" json:"files"`
}

// ManifestEntry is the digest of one synced file.
type ManifestEntry struct {
	Name    string `yaml:"name" json:"name"`
	Digest  string `yaml:"digest" json:"digest"`
	Updated bool   `yaml:"updated" json:"updated"`
}

// WriteManifest atomically writes m into dir.
func WriteManifest(dir string, m *Manifest) error {
	b, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, ManifestFile), b, 0o644)
}

// ReadManifest loads the manifest from dir. Returns os.ErrNotExist when no
// sync has completed yet.
func ReadManifest(dir string) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
