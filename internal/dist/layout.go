// Package dist describes the on-disk runtime distribution and verifies it
// before launch.
package dist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kandev/runtimed/internal/checksum"
	"github.com/kandev/runtimed/internal/common/fsutil"
)

// SidecarSuffix is appended to a file path to locate its digest sidecar.
const SidecarSuffix = ".md5"

var (
	// ErrMissingFile is returned when a required distribution file is absent.
	ErrMissingFile = errors.New("distribution file missing")
	// ErrCorruptSidecar is returned when a sidecar exists but holds no valid digest.
	ErrCorruptSidecar = errors.New("digest sidecar corrupt")
	// ErrDigestMismatch is returned when file content does not match its digest.
	ErrDigestMismatch = errors.New("digest mismatch")
)

// File is one required distribution file.
type File struct {
	Name       string
	LocalPath  string
	DigestPath string
}

// Layout is the set of required files inside a dist directory.
type Layout struct {
	Dir   string
	Names []string
}

// NewLayout returns a layout for names inside dir. The first name is the entry file.
func NewLayout(dir string, names ...string) Layout {
	return Layout{Dir: dir, Names: names}
}

// Files returns the required files in order.
func (l Layout) Files() []File {
	files := make([]File, 0, len(l.Names))
	for _, name := range l.Names {
		p := filepath.Join(l.Dir, name)
		files = append(files, File{Name: name, LocalPath: p, DigestPath: p + SidecarSuffix})
	}
	return files
}

// EntryPath returns the path of the entry file, or "" for an empty layout.
func (l Layout) EntryPath() string {
	if len(l.Names) == 0 {
		return ""
	}
	return filepath.Join(l.Dir, l.Names[0])
}

// ReadSidecar returns the normalized digest stored at path. present is false
// when the sidecar does not exist; digest is "" when it exists but is unusable.
func ReadSidecar(path string) (digest string, present bool, err error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return checksum.Normalize(string(b)), true, nil
}

// WriteSidecar atomically writes digest to path.
func WriteSidecar(path, digest string) error {
	if checksum.Normalize(digest) == "" {
		return fmt.Errorf("%w: refusing to write %q", ErrCorruptSidecar, digest)
	}
	return fsutil.WriteFileAtomic(path, []byte(strings.TrimSpace(digest)+"\n"), 0o644)
}

// EnsureSidecar writes digest to path unless it already holds that digest.
// Reports whether a write happened.
func EnsureSidecar(path, digest string) (bool, error) {
	current, present, err := ReadSidecar(path)
	if err == nil && present && checksum.Equal(current, digest) {
		return false, nil
	}
	if err := WriteSidecar(path, digest); err != nil {
		return false, err
	}
	return true, nil
}
