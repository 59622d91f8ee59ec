package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/runtimed/internal/common/config"
	"github.com/kandev/runtimed/internal/common/logger"
	"github.com/kandev/runtimed/internal/dist"
	"github.com/kandev/runtimed/internal/events/bus"
	"github.com/kandev/runtimed/internal/history"
	"github.com/kandev/runtimed/internal/logpipe"
	"github.com/kandev/runtimed/internal/metrics"
	"github.com/kandev/runtimed/internal/pidfile"
	"github.com/kandev/runtimed/internal/procinfo"
	"github.com/kandev/runtimed/internal/reconcile"
	"github.com/kandev/runtimed/internal/tracing"
)

const (
	tracerName  = "runtimed-supervisor"
	eventSource = "supervisor"

	// killConfirmTimeout bounds the wait for exit after a forced kill.
	killConfirmTimeout = 2 * time.Second
	// sideEffectTimeout bounds event publishing and history writes.
	sideEffectTimeout = 2 * time.Second
)

var supportedPlatforms = map[string]bool{
	"linux":   true,
	"darwin":  true,
	"freebsd": true,
	"windows": true,
}

// State is the lifecycle state of the managed runtime.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateStopped, StateStarting, StateRunning, StateStopping} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown runtime state %q", b)
}

type trigger int

const (
	triggerManual trigger = iota
	triggerRestart
)

func (t trigger) String() string {
	if t == triggerRestart {
		return "restart"
	}
	return "manual"
}

// Config controls how the runtime is launched and supervised.
type Config struct {
	Enabled         bool
	Interpreter     string
	InterpreterArgs []string
	// Layout names the dist directory and the required files; the first is the entry script.
	Layout  dist.Layout
	WorkDir string
	PidFile string

	DistDirEnv    string
	SearchPathEnv string
	ReadinessKey  string

	HealthTimeout       time.Duration
	PollInterval        time.Duration
	ProbeTimeout        time.Duration
	GracefulStopTimeout time.Duration

	AutoRestart bool
	MaxRestarts int
}

// ConfigFrom maps the daemon configuration onto a supervisor Config.
func ConfigFrom(cfg *config.Config) Config {
	rt := &cfg.Runtime
	sv := cfg.Supervisor
	return Config{
		Enabled:             rt.Enabled,
		Interpreter:         rt.Interpreter,
		InterpreterArgs:     rt.InterpreterArgs,
		Layout:              dist.NewLayout(rt.DistDir(), rt.RequiredFiles()...),
		WorkDir:             rt.WorkDir(),
		PidFile:             rt.PidFile(),
		DistDirEnv:          rt.DistDirEnv,
		SearchPathEnv:       rt.SearchPathEnv,
		ReadinessKey:        rt.ReadinessKey,
		HealthTimeout:       sv.HealthTimeout,
		PollInterval:        sv.HealthPollInterval,
		ProbeTimeout:        sv.ProbeTimeout,
		GracefulStopTimeout: sv.GracefulStopTimeout,
		AutoRestart:         sv.AutoRestart,
		MaxRestarts:         sv.MaxRestarts,
	}
}

func (c Config) withDefaults() Config {
	if c.ReadinessKey == "" {
		c.ReadinessKey = "version"
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.GracefulStopTimeout <= 0 {
		c.GracefulStopTimeout = 5 * time.Second
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	}
	// The child runs in WorkDir, so relative paths would resolve against it.
	c.Layout.Dir = absPath(c.Layout.Dir)
	c.WorkDir = absPath(c.WorkDir)
	c.PidFile = absPath(c.PidFile)
	return c
}

func absPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State            State     `json:"state"`
	PID              int       `json:"pid,omitempty"`
	Port             int       `json:"port,omitempty"`
	ServerURL        string    `json:"server_url,omitempty"`
	RestartAttempts  int       `json:"restart_attempts"`
	MaxRestarts      int       `json:"max_restarts"`
	AutoRestart      bool      `json:"auto_restart"`
	RestartsDisabled bool      `json:"restarts_disabled"`
	LastEvent        string    `json:"last_event,omitempty"`
	LastEventAt      time.Time `json:"last_event_at,omitempty"`
}

// managedProcess is one spawned child and what is known about its exit.
type managedProcess struct {
	proc      Process
	pid       int
	launchID  string
	trigger   trigger
	startedAt time.Time

	exited  chan struct{}
	exitErr error // set before exited is closed

	stopRequested atomic.Bool
}

func (m *managedProcess) hasExited() bool {
	select {
	case <-m.exited:
		return true
	default:
		return false
	}
}

// Supervisor owns the runtime child process and its pid marker.
type Supervisor struct {
	cfg       Config
	logger    *logger.Logger
	supported bool

	spawner    Spawner
	inspector  procinfo.Inspector
	gate       *dist.Gate
	marker     *pidfile.Marker
	reconciler *reconcile.Reconciler
	pipeline   *logpipe.Pipeline
	httpClient *http.Client
	bus        bus.EventBus
	history    history.Recorder
	metrics    metrics.Collector
	after      afterFunc

	reconcileOpts []reconcile.Option

	flight singleflight.Group
	// opMu serializes start sequences, stop sequences and exit handling.
	opMu sync.Mutex

	// mu guards the fields below.
	mu          sync.RWMutex
	state       State
	proc        *managedProcess
	serverURL   string
	port        int
	restart     restartPolicy
	restartGen  uint64
	closed      bool
	lastEvent   string
	lastEventAt time.Time
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSpawner replaces the OS process spawner.
func WithSpawner(sp Spawner) Option {
	return func(s *Supervisor) { s.spawner = sp }
}

// WithInspector replaces the OS process inspector used for stale reconciliation.
func WithInspector(i procinfo.Inspector) Option {
	return func(s *Supervisor) { s.inspector = i }
}

// WithReconcileOptions passes options through to the stale-instance reconciler.
func WithReconcileOptions(opts ...reconcile.Option) Option {
	return func(s *Supervisor) { s.reconcileOpts = append(s.reconcileOpts, opts...) }
}

// WithPipeline sets the log pipeline child output is fed into.
func WithPipeline(p *logpipe.Pipeline) Option {
	return func(s *Supervisor) { s.pipeline = p }
}

// WithHTTPClient sets the client used for readiness probes.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Supervisor) { s.httpClient = c }
}

// WithEventBus publishes lifecycle events on b.
func WithEventBus(b bus.EventBus) Option {
	return func(s *Supervisor) { s.bus = b }
}

// WithHistory appends lifecycle records to r.
func WithHistory(r history.Recorder) Option {
	return func(s *Supervisor) { s.history = r }
}

// WithMetrics reports lifecycle metrics to m.
func WithMetrics(m metrics.Collector) Option {
	return func(s *Supervisor) {
		if m != nil {
			s.metrics = m
		}
	}
}

func withAfterFunc(f afterFunc) Option {
	return func(s *Supervisor) { s.after = f }
}

// New creates a supervisor. Nothing is started until Start is called.
func New(cfg Config, log *logger.Logger, opts ...Option) *Supervisor {
	cfg = cfg.withDefaults()
	s := &Supervisor{
		cfg:       cfg,
		logger:    log.WithComponent("supervisor"),
		supported: supportedPlatforms[runtime.GOOS],
		spawner:   ExecSpawner{},
		metrics:   metrics.Nop{},
		after:     realAfterFunc,
		restart:   restartPolicy{enabled: cfg.AutoRestart, max: cfg.MaxRestarts},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.inspector == nil {
		s.inspector = procinfo.NewSystem()
	}
	if s.pipeline == nil {
		s.pipeline = logpipe.New(log, logpipe.WithMetrics(s.metrics))
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{
			Timeout:   cfg.ProbeTimeout,
			Transport: tracing.Transport(nil),
		}
	}
	s.gate = dist.NewGate(cfg.Layout, log)
	s.marker = pidfile.New(cfg.PidFile)
	s.reconciler = reconcile.New(s.marker, s.inspector, cfg.Layout.EntryPath(), log, s.reconcileOpts...)
	return s
}

// Start launches the runtime and waits until it answers readiness probes.
// It returns true when the runtime is running. It never returns an error:
// failures are logged and reported as false. With forceRestart a running
// child is stopped first. Concurrent callers share one start.
func (s *Supervisor) Start(ctx context.Context, forceRestart bool) bool {
	if !s.cfg.Enabled || !s.supported {
		return false
	}

	s.mu.Lock()
	s.restart.rearm()
	s.mu.Unlock()

	if forceRestart {
		s.Stop(ctx, true)
	} else if s.State() == StateRunning {
		return true
	}
	return s.startShared(ctx, triggerManual)
}

// Restart stops the runtime if it runs and starts it again.
func (s *Supervisor) Restart(ctx context.Context) bool {
	return s.Start(ctx, true)
}

func (s *Supervisor) startShared(ctx context.Context, tr trigger) bool {
	// The start outlives any single caller; the health timeout bounds it.
	shared := context.WithoutCancel(ctx)
	v, _, _ := s.flight.Do("start", func() (interface{}, error) {
		return s.startOnce(shared, tr), nil
	})
	ok, _ := v.(bool)
	return ok
}

func (s *Supervisor) startOnce(ctx context.Context, tr trigger) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	st, mp, closed := s.state, s.proc, s.closed
	s.mu.RUnlock()
	if closed {
		return false
	}
	if st == StateRunning {
		return true
	}
	if st == StateStopping && mp != nil {
		// A background stop is still escalating.
		s.awaitExit(mp, s.cfg.GracefulStopTimeout+killConfirmTimeout)
		s.finishStop(mp)
	}

	ctx, span := tracing.Start(ctx, tracerName, "runtime.start",
		attribute.String("trigger", tr.String()))
	err := s.launch(ctx, tr)
	tracing.End(span, err)
	if err == nil {
		return true
	}
	if tr == triggerRestart {
		s.scheduleRestart(err)
	}
	return false
}

func (s *Supervisor) launch(ctx context.Context, tr trigger) error {
	s.update(func() { s.state = StateStarting })

	if err := s.gate.Check(); err != nil {
		s.logger.Warn("runtime dist failed integrity check, not starting", zap.Error(err))
		s.update(func() { s.state = StateStopped })
		s.record(history.KindStartFail, 0, "integrity check", err)
		return err
	}

	outcome, err := s.reconciler.Reconcile(ctx, s.trackedPID())
	s.metrics.Reconciled(outcome.String())
	if err != nil {
		s.logger.Warn("stale runtime reconciliation failed", zap.Error(err))
	} else if outcome != reconcile.OutcomeNone {
		s.record(history.KindReconcile, 0, outcome.String(), nil)
	}

	if err := os.MkdirAll(s.cfg.WorkDir, 0o755); err != nil {
		err = fmt.Errorf("create runtime work dir: %w", err)
		s.logger.Warn("failed to start runtime", zap.Error(err))
		s.update(func() { s.state = StateStopped })
		s.record(history.KindStartFail, 0, "", err)
		return err
	}

	spec := SpawnSpec{
		Path: s.cfg.Interpreter,
		Args: s.childArgs(),
		Dir:  s.cfg.WorkDir,
		Env:  s.childEnv(),
	}
	proc, err := s.spawner.Spawn(ctx, spec)
	if err != nil {
		s.logger.Warn("failed to spawn runtime", zap.String("interpreter", spec.Path), zap.Error(err))
		s.update(func() { s.state = StateStopped })
		s.record(history.KindStartFail, 0, "", err)
		return err
	}

	mp := &managedProcess{
		proc:      proc,
		pid:       proc.PID(),
		launchID:  uuid.New().String(),
		trigger:   tr,
		startedAt: time.Now(),
		exited:    make(chan struct{}),
	}
	log := s.logger.WithPID(mp.pid).WithFields(zap.String("launch_id", mp.launchID))

	if err := s.marker.Write(mp.pid); err != nil {
		log.Warn("failed to write pid marker", zap.Error(err))
	}

	addrCh := make(chan logpipe.Address, 1)
	out := s.pipeline.Bind(mp.pid, func(a logpipe.Address) {
		select {
		case addrCh <- a:
		default:
		}
	})
	s.update(func() { s.proc = mp })

	go out.Consume(logpipe.Stdout, proc.Stdout())
	go out.Consume(logpipe.Stderr, proc.Stderr())
	go s.watch(mp)

	log.Info("runtime launched",
		zap.String("entry", s.cfg.Layout.EntryPath()),
		zap.String("trigger", tr.String()))
	s.record(history.KindLaunch, mp.pid, tr.String(), nil)

	began := time.Now()
	addr, err := s.waitHealthy(ctx, mp, addrCh)
	s.metrics.HealthWait(time.Since(began), err == nil)
	if err != nil {
		log.Warn("runtime failed to become ready", zap.Error(err))
		s.teardown(mp)
		s.record(history.KindStartFail, mp.pid, "", err)
		return err
	}

	url := addr.ProbeURL()
	s.update(func() {
		s.state = StateRunning
		s.serverURL = url
		s.port = addr.Port
		s.restart.succeeded()
	})
	log.Info("runtime ready",
		zap.String("url", url),
		zap.Duration("startup", time.Since(mp.startedAt)))
	s.record(history.KindReady, mp.pid, url, nil)
	return nil
}

// Stop stops the runtime. It waits for an in-flight start to settle first.
// With waitForExit false, escalation to a forced kill continues in the
// background and the state settles once the exit is observed.
func (s *Supervisor) Stop(ctx context.Context, waitForExit bool) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	_, span := tracing.Start(ctx, tracerName, "runtime.stop",
		attribute.Bool("wait", waitForExit))
	defer span.End()

	var mp *managedProcess
	s.update(func() {
		s.cancelRestartLocked()
		mp = s.proc
		if mp == nil {
			s.state = StateStopped
			return
		}
		mp.stopRequested.Store(true)
		s.state = StateStopping
	})
	if mp == nil {
		return
	}

	log := s.logger.WithPID(mp.pid)
	log.Info("stopping runtime")
	if err := mp.proc.Terminate(); err != nil {
		log.Debug("graceful stop signal failed", zap.Error(err))
	}

	if !waitForExit {
		go s.escalate(mp)
		return
	}
	s.escalate(mp)
	s.finishStop(mp)
	s.record(history.KindStop, mp.pid, "", nil)
}

// Close disables automatic restarts and stops the runtime.
func (s *Supervisor) Close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	s.cancelRestartLocked()
	s.mu.Unlock()
	s.Stop(ctx, true)
}

// escalate waits for a signalled child to exit and kills its tree if it does
// not. It reports whether the exit was observed.
func (s *Supervisor) escalate(mp *managedProcess) bool {
	if s.awaitExit(mp, s.cfg.GracefulStopTimeout) {
		return true
	}
	log := s.logger.WithPID(mp.pid)
	log.Warn("runtime ignored graceful stop, killing process tree",
		zap.Duration("timeout", s.cfg.GracefulStopTimeout))
	if err := mp.proc.Kill(); err != nil {
		log.Warn("failed to kill runtime", zap.Error(err))
	}
	if s.awaitExit(mp, killConfirmTimeout) {
		return true
	}
	log.Error("runtime still alive after forced kill")
	return false
}

func (s *Supervisor) awaitExit(mp *managedProcess, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-mp.exited:
		return true
	case <-t.C:
		return false
	}
}

// teardown stops a child whose start failed.
func (s *Supervisor) teardown(mp *managedProcess) {
	mp.stopRequested.Store(true)
	if !mp.hasExited() {
		if err := mp.proc.Terminate(); err != nil {
			s.logger.WithPID(mp.pid).Debug("graceful stop signal failed", zap.Error(err))
		}
		s.escalate(mp)
	}
	s.finishStop(mp)
}

// finishStop settles the supervisor at stopped if mp is still the tracked
// child. The pid marker is kept when the exit could not be confirmed so the
// next start reconciles it.
func (s *Supervisor) finishStop(mp *managedProcess) {
	s.update(func() {
		if s.proc != mp {
			return
		}
		s.proc = nil
		s.serverURL = ""
		s.port = 0
		s.state = StateStopped
	})
	if mp.hasExited() {
		if _, err := s.marker.ClearIf(mp.pid); err != nil {
			s.logger.Warn("failed to clear pid marker", zap.Error(err))
		}
	} else {
		s.logger.WithPID(mp.pid).Warn("runtime exit not confirmed, keeping pid marker for reconciliation")
	}
	s.pipeline.Reset()
}

// watch waits for mp to exit and hands the exit to handleExit.
func (s *Supervisor) watch(mp *managedProcess) {
	mp.exitErr = mp.proc.Wait()
	close(mp.exited)
	s.handleExit(mp)
}

func (s *Supervisor) handleExit(mp *managedProcess) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	log := s.logger.WithPID(mp.pid)

	s.mu.RLock()
	current := s.proc == mp
	s.mu.RUnlock()

	if !current {
		// A replaced child: only its own marker is touched.
		if cleared, err := s.marker.ClearIf(mp.pid); err != nil {
			log.Debug("failed to clear stale pid marker", zap.Error(err))
		} else if cleared {
			log.Debug("cleared pid marker of replaced runtime")
		}
		return
	}

	if mp.stopRequested.Load() {
		log.Info("runtime stopped", zap.Error(mp.exitErr))
		s.finishStop(mp)
		s.record(history.KindStop, mp.pid, "", nil)
		return
	}

	uptime := time.Since(mp.startedAt)
	log.Warn("runtime exited unexpectedly",
		zap.Error(mp.exitErr),
		zap.Duration("uptime", uptime))
	s.finishStop(mp)
	s.record(history.KindExit, mp.pid, "uptime "+uptime.Round(time.Millisecond).String(), exitError(mp.exitErr))
	s.scheduleRestart(exitError(mp.exitErr))
}

func exitError(err error) error {
	if err == nil {
		return errCleanExit
	}
	return err
}

// scheduleRestart applies the restart policy after an unexpected exit or a
// failed restart-triggered start.
func (s *Supervisor) scheduleRestart(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	decision, delay := s.restart.next()
	attempt := s.restart.attempts
	if decision == restartScheduled {
		s.cancelRestartLocked()
		gen := s.restartGen
		s.restart.pending = s.after(delay, func() { s.fireRestart(gen) })
	}
	s.mu.Unlock()

	switch decision {
	case restartScheduled:
		s.logger.Warn("scheduling runtime restart",
			zap.Int("attempt", attempt),
			zap.Int("max", s.cfg.MaxRestarts),
			zap.Duration("delay", delay),
			zap.Error(cause))
		s.metrics.RestartScheduled(attempt, delay)
		s.publish(bus.TypeRestartScheduled, map[string]interface{}{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"cause":    cause.Error(),
		})
		s.record(history.KindRestart, 0, fmt.Sprintf("attempt %d in %s", attempt, delay), cause)
	case restartExhausted:
		s.logger.Error("runtime restart limit reached, auto-restart disabled",
			zap.Int("max", s.cfg.MaxRestarts),
			zap.Error(cause))
		s.metrics.RestartsExhausted()
		s.publish(bus.TypeRestartsExhausted, map[string]interface{}{
			"max":   s.cfg.MaxRestarts,
			"cause": cause.Error(),
		})
		s.record(history.KindExhausted, 0, fmt.Sprintf("after %d attempts", s.cfg.MaxRestarts), cause)
	}
}

func (s *Supervisor) fireRestart(gen uint64) {
	s.mu.Lock()
	if s.restartGen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.restart.pending = nil
	s.mu.Unlock()
	s.startShared(context.Background(), triggerRestart)
}

// cancelRestartLocked drops any pending restart. Callers hold mu.
func (s *Supervisor) cancelRestartLocked() {
	s.restart.cancel()
	s.restartGen++
}

// update applies fn under mu and announces a state change if fn made one.
func (s *Supervisor) update(fn func()) {
	s.mu.Lock()
	from := s.state
	fn()
	to := s.state
	pid := 0
	if s.proc != nil {
		pid = s.proc.pid
	}
	s.mu.Unlock()
	if from == to {
		return
	}
	s.logger.Debug("runtime state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	s.metrics.StateTransition(from.String(), to.String())
	s.publish(bus.TypeStateChanged, map[string]interface{}{
		"from": from.String(),
		"to":   to.String(),
		"pid":  pid,
	})
}

func (s *Supervisor) publish(eventType string, data map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := bus.Emit(ctx, s.bus, eventType, eventSource, data); err != nil {
		s.logger.Debug("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// record remembers the event for StatusText and appends it to history.
func (s *Supervisor) record(kind history.Kind, pid int, detail string, err error) {
	note := string(kind)
	if detail != "" {
		note += ": " + detail
	}
	if err != nil {
		note += " (" + err.Error() + ")"
	}
	s.mu.Lock()
	s.lastEvent = note
	s.lastEventAt = time.Now()
	s.mu.Unlock()

	if s.history == nil {
		return
	}
	rec := history.Record{Kind: kind, PID: pid, Detail: detail}
	if err != nil {
		rec.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if aerr := s.history.Append(ctx, rec); aerr != nil {
		s.logger.Debug("failed to append history record", zap.String("kind", string(kind)), zap.Error(aerr))
	}
}

// trackedPID returns the pid of the tracked child if it has not exited. A
// marker naming it is ours and is never reconciled away.
func (s *Supervisor) trackedPID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.proc == nil || s.proc.hasExited() {
		return 0
	}
	return s.proc.pid
}

func (s *Supervisor) childArgs() []string {
	args := make([]string, 0, len(s.cfg.InterpreterArgs)+1)
	args = append(args, s.cfg.InterpreterArgs...)
	return append(args, s.cfg.Layout.EntryPath())
}

// childEnv returns the host environment with the dist-dir and search-path
// variables set to the runtime's dist directory and its parent.
func (s *Supervisor) childEnv() []string {
	type pair struct{ key, value string }
	var overrides []pair
	if s.cfg.DistDirEnv != "" {
		overrides = append(overrides, pair{s.cfg.DistDirEnv, s.cfg.Layout.Dir})
	}
	if s.cfg.SearchPathEnv != "" {
		overrides = append(overrides, pair{s.cfg.SearchPathEnv, filepath.Dir(s.cfg.Layout.Dir)})
	}

	host := os.Environ()
	env := make([]string, 0, len(host)+len(overrides))
	for _, kv := range host {
		key, _, _ := strings.Cut(kv, "=")
		replaced := false
		for _, o := range overrides {
			if envKeyEqual(key, o.key) {
				replaced = true
				break
			}
		}
		if !replaced {
			env = append(env, kv)
		}
	}
	for _, o := range overrides {
		env = append(env, o.key+"="+o.value)
	}
	return env
}

func envKeyEqual(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsRunning reports whether the runtime passed its readiness check and is up.
func (s *Supervisor) IsRunning() bool {
	return s.State() == StateRunning
}

// ServerURL returns the base URL of the running runtime, or "".
func (s *Supervisor) ServerURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverURL
}

// Port returns the port the runtime announced, or 0.
func (s *Supervisor) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// PID returns the pid of the tracked child, or 0.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.pid
}

// RestartAttempts returns the number of consecutive automatic restarts.
func (s *Supervisor) RestartAttempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restart.attempts
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		State:            s.state,
		Port:             s.port,
		ServerURL:        s.serverURL,
		RestartAttempts:  s.restart.attempts,
		MaxRestarts:      s.cfg.MaxRestarts,
		AutoRestart:      s.restart.enabled,
		RestartsDisabled: s.restart.disabled,
		LastEvent:        s.lastEvent,
		LastEventAt:      s.lastEventAt,
	}
	if s.proc != nil {
		st.PID = s.proc.pid
	}
	return st
}

// StatusText returns a one-line human-readable status.
func (s *Supervisor) StatusText() string {
	if !s.cfg.Enabled {
		return "disabled"
	}
	if !s.supported {
		return "unsupported platform: " + runtime.GOOS
	}
	st := s.Status()

	var b strings.Builder
	b.WriteString(st.State.String())
	if st.PID != 0 {
		fmt.Fprintf(&b, " (pid %d)", st.PID)
	}
	if st.ServerURL != "" {
		b.WriteString(" at " + st.ServerURL)
	}
	switch {
	case st.RestartsDisabled:
		fmt.Fprintf(&b, "; auto-restart disabled after %d attempts", st.MaxRestarts)
	case st.RestartAttempts > 0:
		fmt.Fprintf(&b, "; restart attempt %d/%d", st.RestartAttempts, st.MaxRestarts)
	}
	if st.LastEvent != "" {
		b.WriteString("; last: " + st.LastEvent)
	}
	return b.String()
}
