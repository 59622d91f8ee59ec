// Package artifacts keeps the local runtime distribution in step with a
// remote subscription using the published per-file digests.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kandev/runtimed/internal/checksum"
	"github.com/kandev/runtimed/internal/common/config"
	"github.com/kandev/runtimed/internal/common/fsutil"
	"github.com/kandev/runtimed/internal/common/logger"
	"github.com/kandev/runtimed/internal/dist"
	"github.com/kandev/runtimed/internal/events/bus"
	"github.com/kandev/runtimed/internal/history"
	"github.com/kandev/runtimed/internal/metrics"
	"github.com/kandev/runtimed/internal/tracing"
)

const (
	tracerName  = "runtimed-artifacts"
	eventSource = "artifacts"

	// maxDigestBody caps how much of a .md5 response is read.
	maxDigestBody = 4 << 10

	sideEffectTimeout = 2 * time.Second
)

var (
	// ErrFetch wraps transport errors and non-2xx responses.
	ErrFetch = errors.New("fetch failed")
	// ErrInvalidRemoteDigest means a published digest was empty or malformed.
	ErrInvalidRemoteDigest = errors.New("invalid remote digest")
	// ErrDigestMismatch means downloaded content did not match its published digest.
	ErrDigestMismatch = dist.ErrDigestMismatch
)

var supportedPlatforms = map[string]bool{
	"linux":   true,
	"darwin":  true,
	"freebsd": true,
	"windows": true,
}

// File sync outcomes reported to metrics.
const (
	outcomeUpdated = "updated"
	outcomeCurrent = "current"
	outcomeFailed  = "failed"
)

// Config controls where and how artifacts are synced.
type Config struct {
	Enabled         bool
	Layout          dist.Layout
	RequestTimeout  time.Duration
	DownloadTimeout time.Duration
}

// ConfigFrom maps the daemon configuration onto a synchronizer Config.
func ConfigFrom(cfg *config.Config) Config {
	rt := &cfg.Runtime
	return Config{
		Enabled:         rt.Enabled,
		Layout:          dist.NewLayout(rt.DistDir(), rt.RequiredFiles()...),
		RequestTimeout:  cfg.Sync.RequestTimeout,
		DownloadTimeout: cfg.Sync.DownloadTimeout,
	}
}

// Synchronizer downloads changed distribution files from a subscription.
type Synchronizer struct {
	cfg       Config
	client    *http.Client
	logger    *logger.Logger
	supported bool

	metrics metrics.Collector
	bus     bus.EventBus
	history history.Recorder
	now     func() time.Time

	// mu serializes syncs; two syncs must never write the dist dir at once.
	mu sync.Mutex
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Synchronizer) { s.client = c }
}

// WithMetrics reports sync metrics to m.
func WithMetrics(m metrics.Collector) Option {
	return func(s *Synchronizer) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithEventBus publishes sync events on b.
func WithEventBus(b bus.EventBus) Option {
	return func(s *Synchronizer) { s.bus = b }
}

// WithHistory appends sync records to r.
func WithHistory(r history.Recorder) Option {
	return func(s *Synchronizer) { s.history = r }
}

// New creates a Synchronizer.
func New(cfg Config, log *logger.Logger, opts ...Option) *Synchronizer {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 5 * time.Minute
	}
	s := &Synchronizer{
		cfg:       cfg,
		logger:    log.WithComponent("artifacts"),
		supported: supportedPlatforms[runtime.GOOS],
		metrics:   metrics.Nop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = &http.Client{
			Timeout:   cfg.DownloadTimeout,
			Transport: tracing.Transport(nil),
		}
	}
	return s
}

// Layout returns the dist layout being synced.
func (s *Synchronizer) Layout() dist.Layout {
	return s.cfg.Layout
}

// SyncFromSubscription brings every required file in line with the
// subscription at rawURL. It reports whether any file was replaced.
// A disabled runtime, an unsupported platform, or an empty or unusable URL
// yields (false, nil) without any request.
func (s *Synchronizer) SyncFromSubscription(ctx context.Context, rawURL string, progress ProgressFunc) (bool, error) {
	if !s.cfg.Enabled || !s.supported {
		return false, nil
	}
	sub, ok := ParseSubscription(rawURL)
	if !ok {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := tracing.Start(ctx, tracerName, "artifacts.sync",
		attribute.String("base_url", sub.BaseURL()),
		attribute.Int("files", len(s.cfg.Layout.Names)))

	log := s.logger.WithFields(zap.String("base_url", sub.BaseURL()))
	log.Info("syncing runtime artifacts", zap.Bool("auth", sub.HasAuth()))

	began := s.now()
	entries, err := s.sync(ctx, sub, progress)
	s.metrics.SyncDuration(s.now().Sub(began), err)
	tracing.End(span, err)

	if err != nil {
		log.Warn("artifact sync failed", zap.Error(err))
		s.publish(bus.TypeSyncFailed, map[string]interface{}{
			"base_url": sub.BaseURL(),
			"error":    err.Error(),
		})
		s.record(history.KindSyncFail, sub.BaseURL(), err)
		return false, err
	}

	updated := 0
	for _, e := range entries {
		if e.Updated {
			updated++
		}
	}

	manifest := &dist.Manifest{
		BaseURL:  sub.BaseURL(),
		SyncedAt: s.now().UTC(),
		Files:    entries,
	}
	if err := dist.WriteManifest(s.cfg.Layout.Dir, manifest); err != nil {
		log.Warn("failed to write sync manifest", zap.Error(err))
	}

	log.Info("artifact sync complete",
		zap.Int("updated", updated),
		zap.Int("files", len(entries)),
		zap.Duration("duration", s.now().Sub(began)))
	s.publish(bus.TypeSyncCompleted, map[string]interface{}{
		"base_url": sub.BaseURL(),
		"updated":  updated,
		"files":    len(entries),
	})
	s.record(history.KindSync, fmt.Sprintf("%s: %d of %d updated", sub.BaseURL(), updated, len(entries)), nil)
	return updated > 0, nil
}

// sync runs both phases: every remote digest is fetched and validated before
// any local file is touched.
func (s *Synchronizer) sync(ctx context.Context, sub Subscription, progress ProgressFunc) ([]dist.ManifestEntry, error) {
	files := s.cfg.Layout.Files()
	tracker := newProgressTracker(len(files), progress)

	remote := make([]string, len(files))
	for i, f := range files {
		digest, err := s.fetchDigest(ctx, sub, f.Name)
		if err != nil {
			s.metrics.SyncFile(f.Name, outcomeFailed)
			return nil, err
		}
		remote[i] = digest
	}

	if err := os.MkdirAll(s.cfg.Layout.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dist dir: %w", err)
	}

	entries := make([]dist.ManifestEntry, 0, len(files))
	for i, f := range files {
		updated, err := s.syncFile(ctx, sub, f, remote[i], func(frac float64) { tracker.report(i, frac) })
		if err != nil {
			s.metrics.SyncFile(f.Name, outcomeFailed)
			return nil, err
		}
		outcome := outcomeCurrent
		if updated {
			outcome = outcomeUpdated
		}
		s.metrics.SyncFile(f.Name, outcome)
		s.logger.Debug("artifact synced", zap.String("file", f.Name), zap.String("outcome", outcome))
		tracker.report(i, 1)
		entries = append(entries, dist.ManifestEntry{Name: f.Name, Digest: remote[i], Updated: updated})
	}
	return entries, nil
}

func (s *Synchronizer) fetchDigest(ctx context.Context, sub Subscription, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.get(ctx, sub, sub.DigestURL(name))
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDigestBody))
	if err != nil {
		return "", fmt.Errorf("%w: read %s.md5: %w", ErrFetch, name, err)
	}
	digest := checksum.Normalize(string(body))
	if digest == "" {
		return "", fmt.Errorf("%w: %s%s", ErrInvalidRemoteDigest, name, dist.SidecarSuffix)
	}
	return digest, nil
}

// syncFile makes f match remote. A file already matching only gets its
// sidecar refreshed. Otherwise the download goes to a temp file that is
// promoted only when its digest matches.
func (s *Synchronizer) syncFile(ctx context.Context, sub Subscription, f dist.File, remote string, onProgress func(float64)) (bool, error) {
	if local, err := checksum.DigestFile(f.LocalPath); err == nil && checksum.Equal(local, remote) {
		if _, err := dist.EnsureSidecar(f.DigestPath, remote); err != nil {
			return false, fmt.Errorf("write sidecar for %s: %w", f.Name, err)
		}
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
	defer cancel()

	resp, err := s.get(ctx, sub, sub.FileURL(f.Name))
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	tmp, err := os.CreateTemp(s.cfg.Layout.Dir, "."+f.Name+".*.tmp")
	if err != nil {
		return false, fmt.Errorf("create temp file for %s: %w", f.Name, err)
	}
	tmpPath := tmp.Name()
	promoted := false
	defer func() {
		if !promoted {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	h := checksum.NewHash()
	body := &countingReader{r: resp.Body, total: resp.ContentLength, onProgress: onProgress}
	if _, err := io.Copy(io.MultiWriter(tmp, h), body); err != nil {
		return false, fmt.Errorf("%w: download %s: %w", ErrFetch, f.Name, err)
	}
	if err := tmp.Chmod(0o644); err != nil && runtime.GOOS != "windows" {
		return false, fmt.Errorf("chmod %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		return false, fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close %s: %w", tmpPath, err)
	}

	got := checksum.Sum(h)
	if !checksum.Equal(got, remote) {
		return false, fmt.Errorf("%w: %s: published %s, downloaded %s", ErrDigestMismatch, f.Name, remote, got)
	}

	if err := fsutil.ReplaceFile(tmpPath, f.LocalPath); err != nil {
		return false, fmt.Errorf("promote %s: %w", f.Name, err)
	}
	promoted = true

	if err := dist.WriteSidecar(f.DigestPath, remote); err != nil {
		return true, fmt.Errorf("write sidecar for %s: %w", f.Name, err)
	}
	return true, nil
}

func (s *Synchronizer) get(ctx context.Context, sub Subscription, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrFetch, err)
	}
	sub.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s%s: %w", ErrFetch, req.URL.Host, req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDigestBody))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s%s: status %d", ErrFetch, req.URL.Host, req.URL.Path, resp.StatusCode)
	}
	return resp, nil
}

func (s *Synchronizer) publish(eventType string, data map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := bus.Emit(ctx, s.bus, eventType, eventSource, data); err != nil {
		s.logger.Debug("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

func (s *Synchronizer) record(kind history.Kind, detail string, err error) {
	if s.history == nil {
		return
	}
	rec := history.Record{Kind: kind, Detail: detail}
	if err != nil {
		rec.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if aerr := s.history.Append(ctx, rec); aerr != nil {
		s.logger.Debug("failed to append history record", zap.Error(aerr))
	}
}
