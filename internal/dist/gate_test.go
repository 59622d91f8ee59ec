package dist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/runtimed/internal/checksum"
	"github.com/kandev/runtimed/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func writeDist(t *testing.T, dir string, files map[string]string, sidecars map[string]string) {
	t.Helper()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	for name, body := range sidecars {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+SidecarSuffix), []byte(body), 0o644))
	}
}

func TestGate_Check(t *testing.T) {
	entry := "console.log('hi')"
	cfg := "module.exports = {}"

	tests := []struct {
		name     string
		files    map[string]string
		sidecars map[string]string
		wantErr  error
	}{
		{
			name:  "files present without sidecars are trusted",
			files: map[string]string{"index.js": entry, "config.js": cfg},
		},
		{
			name:     "matching sidecars",
			files:    map[string]string{"index.js": entry, "config.js": cfg},
			sidecars: map[string]string{"index.js": checksum.Digest([]byte(entry)) + "\n", "config.js": checksum.Digest([]byte(cfg))},
		},
		{
			name:    "missing entry file",
			files:   map[string]string{"config.js": cfg},
			wantErr: ErrMissingFile,
		},
		{
			name:     "empty sidecar",
			files:    map[string]string{"index.js": entry, "config.js": cfg},
			sidecars: map[string]string{"config.js": ""},
			wantErr:  ErrCorruptSidecar,
		},
		{
			name:     "garbage sidecar",
			files:    map[string]string{"index.js": entry, "config.js": cfg},
			sidecars: map[string]string{"index.js": "not-a-digest"},
			wantErr:  ErrCorruptSidecar,
		},
		{
			name:     "content mismatch",
			files:    map[string]string{"index.js": entry, "config.js": cfg},
			sidecars: map[string]string{"index.js": checksum.Digest([]byte("tampered"))},
			wantErr:  ErrDigestMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeDist(t, dir, tt.files, tt.sidecars)
			gate := NewGate(NewLayout(dir, "index.js", "config.js"), newTestLogger())

			err := gate.Check()
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.True(t, gate.Verify())
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, gate.Verify())
		})
	}
}

func TestGate_DirectoryInPlaceOfFileIsMissing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "index.js"), 0o755))
	writeDist(t, dir, map[string]string{"config.js": "x"}, nil)

	err := NewGate(NewLayout(dir, "index.js", "config.js"), nil).Check()
	assert.ErrorIs(t, err, ErrMissingFile)
}

func TestLayout_Files(t *testing.T) {
	l := NewLayout("/srv/dist", "index.js", "config.js")
	files := l.Files()
	require.Len(t, files, 2)
	assert.Equal(t, "index.js", files[0].Name)
	assert.Equal(t, filepath.Join("/srv/dist", "index.js"), files[0].LocalPath)
	assert.Equal(t, filepath.Join("/srv/dist", "index.js.md5"), files[0].DigestPath)
	assert.Equal(t, filepath.Join("/srv/dist", "index.js"), l.EntryPath())
	assert.Empty(t, NewLayout("/srv/dist").EntryPath())
}

func TestEnsureSidecar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.js.md5")
	digest := checksum.Digest([]byte("a"))

	wrote, err := EnsureSidecar(path, digest)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = EnsureSidecar(path, digest)
	require.NoError(t, err)
	assert.False(t, wrote, "unchanged sidecar must not be rewritten")

	got, present, err := ReadSidecar(path)
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, digest, got)

	_, err = EnsureSidecar(path, "bogus")
	assert.ErrorIs(t, err, ErrCorruptSidecar)
}

func TestManifest_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadManifest(dir)
	assert.ErrorIs(t, err, os.ErrNotExist)

	m := &Manifest{
		BaseURL:  "https://example.com/rt",
		SyncedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Files:    []ManifestEntry{{Name: "index.js", Digest: checksum.Digest([]byte("a")), Updated: true}},
	}
	require.NoError(t, WriteManifest(dir, m))

	got, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, m.BaseURL, got.BaseURL)
	assert.True(t, m.SyncedAt.Equal(got.SyncedAt))
	assert.Equal(t, m.Files, got.Files)
}
