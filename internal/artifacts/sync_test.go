package artifacts

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/runtimed/internal/checksum"
	"github.com/kandev/runtimed/internal/common/logger"
	"github.com/kandev/runtimed/internal/dist"
	"github.com/kandev/runtimed/internal/events/bus"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

// subscriptionServer serves files and their published digests and counts requests.
type subscriptionServer struct {
	*httptest.Server

	mu       sync.Mutex
	files    map[string]string
	digests  map[string]string
	requests map[string]int
	user     string
	pass     string
	chunked  bool
}

func newSubscriptionServer(t *testing.T, files map[string]string) *subscriptionServer {
	t.Helper()
	s := &subscriptionServer{
		files:    files,
		digests:  map[string]string{},
		requests: map[string]int{},
	}
	for name, body := range files {
		s.digests[name] = checksum.Digest([]byte(body)) + "  " + name + "\n"
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *subscriptionServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := strings.TrimPrefix(r.URL.Path, "/rt/")
	s.requests[name]++

	if s.user != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.user || pass != s.pass {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}
	if base, ok := strings.CutSuffix(name, ".md5"); ok {
		d, found := s.digests[base]
		if !found {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, d)
		return
	}
	body, found := s.files[name]
	if !found {
		http.NotFound(w, r)
		return
	}
	if s.chunked {
		// Flushing before the body forces chunked encoding with no Content-Length.
		w.(http.Flusher).Flush()
	}
	_, _ = io.WriteString(w, body)
}

// set mutates the served state under the handler lock.
func (s *subscriptionServer) set(fn func(s *subscriptionServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *subscriptionServer) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[name]
}

func newTestSynchronizer(t *testing.T, opts ...Option) (*Synchronizer, string) {
	t.Helper()
	distDir := filepath.Join(t.TempDir(), "dist")
	cfg := Config{
		Enabled: true,
		Layout:  dist.NewLayout(distDir, "index.js", "config.js"),
	}
	return New(cfg, newTestLogger(), opts...), distDir
}

var remoteFiles = map[string]string{
	"index.js":  "require('./config.js'); console.log('runtime v2')",
	"config.js": "module.exports = { port: 0 }",
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestSync_FreshInstall(t *testing.T) {
	srv := newSubscriptionServer(t, remoteFiles)
	s, distDir := newTestSynchronizer(t)

	var progress []float64
	updated, err := s.SyncFromSubscription(context.Background(), srv.URL+"/rt/index.js", func(f float64) {
		progress = append(progress, f)
	})
	require.NoError(t, err)
	assert.True(t, updated)

	for name, body := range remoteFiles {
		assert.Equal(t, body, readFile(t, filepath.Join(distDir, name)))
		assert.Equal(t, checksum.Digest([]byte(body))+"\n", readFile(t, filepath.Join(distDir, name+dist.SidecarSuffix)))
	}
	assert.True(t, dist.NewGate(s.Layout(), newTestLogger()).Verify())

	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
	assert.Equal(t, 1.0, progress[len(progress)-1])

	m, err := dist.ReadManifest(distDir)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/rt", m.BaseURL)
	require.Len(t, m.Files, 2)
	assert.Equal(t, "index.js", m.Files[0].Name)
	assert.True(t, m.Files[0].Updated)

	entries, err := os.ReadDir(distDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left behind: %s", e.Name())
	}
}

func TestSync_UpToDateSkipsDownload(t *testing.T) {
	srv := newSubscriptionServer(t, remoteFiles)
	s, distDir := newTestSynchronizer(t)
	require.NoError(t, os.MkdirAll(distDir, 0o755))
	for name, body := range remoteFiles {
		require.NoError(t, os.WriteFile(filepath.Join(distDir, name), []byte(body), 0o644))
	}

	updated, err := s.SyncFromSubscription(context.Background(), srv.URL+"/rt", nil)
	require.NoError(t, err)
	assert.False(t, updated)

	assert.Equal(t, 0, srv.count("index.js"))
	assert.Equal(t, 0, srv.count("config.js"))
	assert.Equal(t, 1, srv.count("index.js.md5"))
	// Missing sidecars are written for files that were already current.
	assert.FileExists(t, filepath.Join(distDir, "index.js"+dist.SidecarSuffix))
}

func TestSync_DigestMismatchKeepsLocalContent(t *testing.T) {
	srv := newSubscriptionServer(t, remoteFiles)
	srv.set(func(s *subscriptionServer) { s.digests["config.js"] = checksum.Digest([]byte("something else")) })
	s, distDir := newTestSynchronizer(t)
	require.NoError(t, os.MkdirAll(distDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(distDir, "config.js"), []byte("old config"), 0o644))

	updated, err := s.SyncFromSubscription(context.Background(), srv.URL+"/rt", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDigestMismatch))
	assert.False(t, updated)

	assert.Equal(t, "old config", readFile(t, filepath.Join(distDir, "config.js")))
	entries, err := os.ReadDir(distDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left behind: %s", e.Name())
	}
	_, err = dist.ReadManifest(distDir)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSync_InvalidRemoteDigestTouchesNothing(t *testing.T) {
	srv := newSubscriptionServer(t, remoteFiles)
	srv.set(func(s *subscriptionServer) { s.digests["config.js"] = "not-a-digest\n" })
	s, distDir := newTestSynchronizer(t)

	_, err := s.SyncFromSubscription(context.Background(), srv.URL+"/rt", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRemoteDigest))

	assert.Equal(t, 0, srv.count("index.js"), "no file may be fetched before all digests validate")
	_, statErr := os.Stat(filepath.Join(distDir, "index.js"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSync_EmptyRemoteDigest(t *testing.T) {
	srv := newSubscriptionServer(t, remoteFiles)
	srv.set(func(s *subscriptionServer) { s.digests["index.js"] = "" })
	s, _ := newTestSynchronizer(t)

	_, err := s.SyncFromSubscription(context.Background(), srv.URL+"/rt", nil)
	assert.True(t, errors.Is(err, ErrInvalidRemoteDigest))
}

func TestSync_FetchErrors(t *testing.T) {
	srv := newSubscriptionServer(t, map[string]string{"index.js": "x"})
	s, _ := newTestSynchronizer(t)

	_, err := s.SyncFromSubscription(context.Background(), srv.URL+"/rt", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFetch))
	assert.Contains(t, err.Error(), "status 404")

	closed := httptest.NewServer(http.NotFoundHandler())
	addr := closed.URL
	closed.Close()
	_, err = s.SyncFromSubscription(context.Background(), addr+"/rt", nil)
	assert.True(t, errors.Is(err, ErrFetch))
}

func TestSync_BasicAuthFromUserInfo(t *testing.T) {
	srv := newSubscriptionServer(t, remoteFiles)
	srv.set(func(s *subscriptionServer) { s.user, s.pass = "bob", "s3cret" })
	s, _ := newTestSynchronizer(t)

	_, err := s.SyncFromSubscription(context.Background(), srv.URL+"/rt", nil)
	require.ErrorIs(t, err, ErrFetch)

	authed := strings.Replace(srv.URL, "http://", "http://bob:s3cret@", 1)
	updated, err := s.SyncFromSubscription(context.Background(), authed+"/rt/", nil)
	require.NoError(t, err)
	assert.True(t, updated)
}

func TestSync_UnknownLengthProgress(t *testing.T) {
	srv := newSubscriptionServer(t, remoteFiles)
	srv.set(func(s *subscriptionServer) { s.chunked = true })
	s, _ := newTestSynchronizer(t)

	var progress []float64
	_, err := s.SyncFromSubscription(context.Background(), srv.URL+"/rt", func(f float64) {
		progress = append(progress, f)
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1}, progress)
}

func TestSync_NoOpCases(t *testing.T) {
	srv := newSubscriptionServer(t, remoteFiles)

	s, _ := newTestSynchronizer(t)
	for _, raw := range []string{"", "   ", "not a url", "/relative"} {
		updated, err := s.SyncFromSubscription(context.Background(), raw, nil)
		assert.NoError(t, err)
		assert.False(t, updated)
	}

	disabled := New(Config{Layout: dist.NewLayout(t.TempDir(), "index.js")}, newTestLogger())
	updated, err := disabled.SyncFromSubscription(context.Background(), srv.URL+"/rt", nil)
	assert.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, 0, srv.count("index.js.md5"))
}

func TestSync_PublishesEvents(t *testing.T) {
	srv := newSubscriptionServer(t, remoteFiles)
	eb := bus.NewMemoryEventBus(newTestLogger())
	t.Cleanup(eb.Close)

	var mu sync.Mutex
	var types []string
	_, err := eb.Subscribe(bus.AllEvents, func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.Type)
		return nil
	})
	require.NoError(t, err)

	s, _ := newTestSynchronizer(t, WithEventBus(eb))
	_, err = s.SyncFromSubscription(context.Background(), srv.URL+"/rt", nil)
	require.NoError(t, err)

	srv.set(func(s *subscriptionServer) { s.digests["index.js"] = "bogus" })
	_, err = s.SyncFromSubscription(context.Background(), srv.URL+"/rt", nil)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{bus.TypeSyncCompleted, bus.TypeSyncFailed}, types)
}

func TestProgressTracker_MonotonicAndClamped(t *testing.T) {
	var got []float64
	p := newProgressTracker(2, func(f float64) { got = append(got, f) })

	p.report(0, 0.5)
	p.report(0, 0.25)
	p.report(0, 2)
	p.report(1, 0.5)
	p.report(1, 1)
	p.report(1, 1)

	assert.Equal(t, []float64{0.25, 0.5, 0.75, 1}, got)
}
