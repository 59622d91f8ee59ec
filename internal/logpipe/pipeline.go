// Package logpipe turns the managed runtime's stdout and stderr into
// redacted, rate-limited structured log entries.
package logpipe

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/runtimed/internal/common/logger"
	"github.com/kandev/runtimed/internal/metrics"
)

// forceVerbose is set at build time with
// -ldflags "-X github.com/kandev/runtimed/internal/logpipe.forceVerbose=true".
var forceVerbose = "false"

// Stream identifies a child output stream.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

const (
	defaultWindow        = 10 * time.Second
	defaultQuota         = 2
	defaultMaxLineLength = 2000

	// maxReadBytes bounds how much of a single physical line is buffered.
	maxReadBytes = 256 * 1024
)

// Pipeline processes child output lines in arrival order per stream.
type Pipeline struct {
	rules    []Rule
	maxLine  int
	window   time.Duration
	quota    int
	verbose  bool
	noisy    *regexp.Regexp
	critical *regexp.Regexp
	now      func() time.Time

	logger  *logger.Logger
	metrics metrics.Collector

	mu  sync.RWMutex
	cur *Binding
}

// Binding is the pipeline state of one child. Lines consumed through a
// superseded Binding keep their own pid and windows and never report an
// address.
type Binding struct {
	p         *Pipeline
	pid       int
	onAddress func(Address)
	announced atomic.Bool
	windows   [2]*Window
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRules replaces the redaction rules.
func WithRules(rules []Rule) Option {
	return func(p *Pipeline) { p.rules = rules }
}

// WithExtraRules appends rules after the defaults.
func WithExtraRules(rules ...Rule) Option {
	return func(p *Pipeline) { p.rules = append(p.rules, rules...) }
}

// WithWindow sets the rate-limit window size and quota per stream.
func WithWindow(size time.Duration, quota int) Option {
	return func(p *Pipeline) {
		if size > 0 {
			p.window = size
		}
		if quota >= 0 {
			p.quota = quota
		}
	}
}

// WithMaxLineLength sets the rune cap applied after redaction.
func WithMaxLineLength(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxLine = n
		}
	}
}

// WithVerbose disables rate limiting.
func WithVerbose(v bool) Option {
	return func(p *Pipeline) { p.verbose = v }
}

// WithNoisyPattern replaces the stdout noisy-line pattern.
func WithNoisyPattern(re *regexp.Regexp) Option {
	return func(p *Pipeline) { p.noisy = re }
}

// WithMetrics sets the collector that receives suppressed-line counts.
func WithMetrics(m metrics.Collector) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a pipeline that logs through log.
func New(log *logger.Logger, opts ...Option) *Pipeline {
	if log == nil {
		log = logger.Nop()
	}
	p := &Pipeline{
		rules:    DefaultRules(),
		maxLine:  defaultMaxLineLength,
		window:   defaultWindow,
		quota:    defaultQuota,
		noisy:    DefaultNoisyPattern,
		critical: DefaultCriticalPattern,
		now:      time.Now,
		logger:   log.WithComponent("runtime"),
		metrics:  metrics.Nop{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cur = p.newBinding(0, nil)
	if forceVerbose == "true" {
		p.verbose = true
	}
	return p
}

// Verbose reports whether rate limiting is disabled.
func (p *Pipeline) Verbose() bool {
	return p.verbose
}

func (p *Pipeline) newBinding(pid int, onAddress func(Address)) *Binding {
	return &Binding{
		p:         p,
		pid:       pid,
		onAddress: onAddress,
		windows:   [2]*Window{NewWindow(p.window, p.quota), NewWindow(p.window, p.quota)},
	}
}

// Bind attaches the pipeline to a new child and returns its binding.
// onAddress is called once, on the first bound-address line.
func (p *Pipeline) Bind(pid int, onAddress func(Address)) *Binding {
	b := p.newBinding(pid, onAddress)
	p.mu.Lock()
	p.cur = b
	p.mu.Unlock()
	return b
}

func (p *Pipeline) current() *Binding {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur
}

// Reset clears the current binding's windows and address-announced flag.
func (p *Pipeline) Reset() {
	b := p.current()
	for _, w := range b.windows {
		w.Reset()
	}
	b.announced.Store(false)
}

// Consume reads r through the current binding.
func (p *Pipeline) Consume(stream Stream, r io.Reader) {
	p.current().Consume(stream, r)
}

// Process handles one line from stream through the current binding.
func (p *Pipeline) Process(stream Stream, line string) {
	p.current().Process(stream, line)
}

// PID returns the pid lines from this binding are logged under.
func (b *Binding) PID() int {
	return b.pid
}

// Consume reads r line by line until EOF and processes each line.
// Pending suppressed counts are reported when the stream ends.
func (b *Binding) Consume(stream Stream, r io.Reader) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := readLine(br)
		if line != "" {
			b.Process(stream, line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.p.logger.Debug("runtime output stream closed",
					zap.String("stream", stream.String()), zap.Int("pid", b.pid), zap.Error(err))
			}
			break
		}
	}
	b.flush(stream, b.windows[stream].Drain())
}

// Process handles one line from stream.
func (b *Binding) Process(stream Stream, line string) {
	p := b.p
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}

	w := b.windows[stream]
	b.flush(stream, w.Roll(p.now()))

	if addr, ok := ParseListenLine(line); ok {
		if p.current() == b && b.announced.CompareAndSwap(false, true) {
			b.emit(stream, p.clean(line), false)
			if b.onAddress != nil {
				b.onAddress(addr)
			}
			return
		}
		if !p.verbose {
			return
		}
	}

	critical := stream == Stderr && p.critical.MatchString(line)
	if !p.verbose && p.limited(stream, line, critical) && !w.Allow() {
		return
	}
	b.emit(stream, p.clean(line), critical)
}

func (p *Pipeline) limited(stream Stream, line string, critical bool) bool {
	if stream == Stderr {
		return !critical
	}
	return p.noisy != nil && p.noisy.MatchString(line)
}

func (p *Pipeline) clean(line string) string {
	return Truncate(Redact(p.rules, line), p.maxLine)
}

func (b *Binding) emit(stream Stream, line string, critical bool) {
	fields := []zap.Field{zap.String("stream", stream.String()), zap.Int("pid", b.pid)}
	switch {
	case critical:
		b.p.logger.Error(line, fields...)
	case stream == Stderr:
		b.p.logger.Warn(line, fields...)
	default:
		b.p.logger.Info(line, fields...)
	}
}

func (b *Binding) flush(stream Stream, n int) {
	if n <= 0 {
		return
	}
	p := b.p
	p.metrics.LinesSuppressed(stream.String(), n)
	p.logger.Info(fmt.Sprintf("%d %s lines suppressed in last %s", n, stream, p.window),
		zap.String("stream", stream.String()), zap.Int("pid", b.pid), zap.Int("suppressed", n))
}

// readLine returns the next line without its terminator. Bytes beyond
// maxReadBytes are discarded.
func readLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := br.ReadLine()
		if sb.Len() < maxReadBytes {
			room := maxReadBytes - sb.Len()
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			sb.Write(chunk)
		}
		if err != nil {
			return sb.String(), err
		}
		if !isPrefix {
			return sb.String(), nil
		}
	}
}
