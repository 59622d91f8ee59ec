package logpipe

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kandev/runtimed/internal/common/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newObservedPipeline(t *testing.T, opts ...Option) (*Pipeline, *observer.ObservedLogs, *fakeClock) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	p := New(logger.NewFromZap(zap.New(core)), opts...)
	p.Bind(4242, nil)
	return p, logs, clock
}

func messages(logs *observer.ObservedLogs) []string {
	var out []string
	for _, e := range logs.All() {
		out = append(out, e.Message)
	}
	return out
}

func TestRedact_DefaultRules(t *testing.T) {
	rules := DefaultRules()
	tests := []struct {
		in   string
		want string
	}{
		{"Authorization: Bearer abc123", "Authorization: <redacted>"},
		{"proxy-authorization: Basic Zm9vOmJhcg==", "proxy-authorization: <redacted>"},
		{"Set-Cookie: sid=abc; Path=/", "Set-Cookie: <redacted>"},
		{`{"token":"xyz","user":"bob"}`, `{"token":"<redacted>","user":"bob"}`},
		{`{"api_key" : "k\"q", "n": 1}`, `{"api_key" : "<redacted>", "n": 1}`},
		{"GET /search?q=cats&apikey=s3cr3t&page=2", "GET /search?q=cats&apikey=<redacted>&page=2"},
		{"login password=hunter2 user=bob", "login password=<redacted> user=bob"},
		{"client_secret: abc,def", "client_secret: <redacted>,def"},
		{`password="two words"`, `password="<redacted>"`},
		{`{'access_token': 'zzz'}`, `{'access_token': '<redacted>'}`},
		{`headers: {"Authorization":"Bearer abc","x":1}`, `headers: {"Authorization":"<redacted>","x":1}`},
		{"authorization=Bearer abc123", "authorization=<redacted>"},
		{"proxy_authorization=Basic Zm9v user=bob", "proxy_authorization=<redacted> user=bob"},
		{`{"cookie":"a=b"}`, `{"cookie":"<redacted>"}`},
		{`{"Set-Cookie": "sid=1; Path=/", "ok": true}`, `{"Set-Cookie": "<redacted>", "ok": true}`},
		{`Authorization: "Bearer abc"`, `Authorization: "<redacted>"`},
		{`{'Cookie': 'sid=1'}`, `{'Cookie': '<redacted>'}`},
		{`{"token": 12345678}`, `{"token": "<redacted>"}`},
		{`{"secret": true, "n": 1}`, `{"secret": "<redacted>", "n": 1}`},
		{`{"token": null}`, `{"token": null}`},
		{"nothing to see here", "nothing to see here"},
		{"tokens=5 keyboard=qwerty", "tokens=5 keyboard=qwerty"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Redact(rules, tt.in))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abc …[truncated 2 chars]", Truncate("abcde", 3))
	assert.Equal(t, "héé …[truncated 1 chars]", Truncate("héél", 3), "counts runes, not bytes")
	assert.Equal(t, "abc", Truncate("abc", 0))
}

func TestPipeline_RedactsBeforeTruncating(t *testing.T) {
	p, logs, _ := newObservedPipeline(t, WithMaxLineLength(30))
	p.Process(Stdout, "token=abcdefghijklmnopqrstuvwxyz0123456789 tail")

	require.Equal(t, 1, logs.Len())
	msg := logs.All()[0].Message
	assert.True(t, strings.HasPrefix(msg, "token=<redacted> tail"), msg)
	assert.NotContains(t, msg, "abcdef")
}

func TestPipeline_LongLineTruncatedAtDefaultCap(t *testing.T) {
	p, logs, _ := newObservedPipeline(t)
	p.Process(Stdout, strings.Repeat("x", 2500))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, strings.Repeat("x", 2000)+" …[truncated 500 chars]", logs.All()[0].Message)
}

func TestPipeline_NoisyStdoutLimitedPerWindow(t *testing.T) {
	p, logs, clock := newObservedPipeline(t)

	for i := 0; i < 10; i++ {
		p.Process(Stdout, "GET /config 200 1ms")
	}
	assert.Equal(t, 2, logs.Len())
	_, suppressed := p.current().windows[Stdout].Counts()
	assert.Equal(t, 8, suppressed)

	// Ordinary lines are never limited on stdout.
	for i := 0; i < 5; i++ {
		p.Process(Stdout, "plugin loaded")
	}
	assert.Equal(t, 7, logs.Len())

	clock.Advance(11 * time.Second)
	p.Process(Stdout, "GET /config 200 1ms")

	msgs := messages(logs)
	require.Len(t, msgs, 9)
	assert.Equal(t, "8 stdout lines suppressed in last 10s", msgs[7])
	assert.Equal(t, "GET /config 200 1ms", msgs[8])
}

func TestPipeline_StderrLimitedUnlessCritical(t *testing.T) {
	p, logs, _ := newObservedPipeline(t)

	for i := 0; i < 5; i++ {
		p.Process(Stderr, "deprecation warning")
	}
	for i := 0; i < 3; i++ {
		p.Process(Stderr, "Uncaught TypeError: x is undefined")
	}

	entries := logs.All()
	require.Len(t, entries, 5)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	for _, e := range entries[2:] {
		assert.Equal(t, zapcore.ErrorLevel, e.Level)
	}
	assert.Equal(t, "stderr", entries[0].ContextMap()["stream"])
	assert.Equal(t, int64(4242), entries[0].ContextMap()["pid"])
}

func TestPipeline_SymmetricSummaryOnStreamEnd(t *testing.T) {
	p, logs, _ := newObservedPipeline(t)

	p.Consume(Stderr, strings.NewReader("a\nb\nc\nd\n"))
	p.Consume(Stdout, strings.NewReader("fetching a\nfetching b\nfetching c\n"))

	msgs := messages(logs)
	assert.Contains(t, msgs, "2 stderr lines suppressed in last 10s")
	assert.Contains(t, msgs, "1 stdout lines suppressed in last 10s")
}

func TestPipeline_VerboseBypassesSuppressionNotRedaction(t *testing.T) {
	p, logs, _ := newObservedPipeline(t, WithVerbose(true))
	assert.True(t, p.Verbose())

	for i := 0; i < 10; i++ {
		p.Process(Stdout, "GET /x?token=abc 200")
	}
	require.Equal(t, 10, logs.Len())
	assert.Equal(t, "GET /x?token=<redacted> 200", logs.All()[0].Message)
}

func TestPipeline_AddressAnnouncedOnce(t *testing.T) {
	p, logs, _ := newObservedPipeline(t, WithWindow(10*time.Second, 0))

	var got []Address
	p.Bind(7, func(a Address) { got = append(got, a) })

	p.Process(Stdout, "Server listening on http://0.0.0.0:9117")
	p.Process(Stdout, "Server listening on http://0.0.0.0:9117")

	require.Len(t, got, 1)
	assert.Equal(t, 9117, got[0].Port)
	assert.Equal(t, "http://127.0.0.1:9117", got[0].ProbeURL())
	assert.Equal(t, 1, logs.Len(), "address line is emitted even with zero quota, and only once")

	p.Reset()
	p.Process(Stdout, "Server listening on http://127.0.0.1:9200")
	require.Len(t, got, 2)
	assert.Equal(t, "http://127.0.0.1:9200", got[1].ProbeURL())
}

func TestPipeline_SupersededBindingKeepsItsOwnPidAndWindows(t *testing.T) {
	p, logs, _ := newObservedPipeline(t, WithWindow(10*time.Second, 1))

	var oldAddrs, newAddrs []Address
	old := p.Bind(100, func(a Address) { oldAddrs = append(oldAddrs, a) })
	r, w := io.Pipe()
	done := make(chan struct{})
	go func() {
		old.Consume(Stderr, r)
		close(done)
	}()

	_, err := io.WriteString(w, "a1\na2\na3\n")
	require.NoError(t, err)

	cur := p.Bind(200, func(a Address) { newAddrs = append(newAddrs, a) })
	assert.Equal(t, 200, cur.PID())
	p.Process(Stderr, "b1")
	p.Process(Stderr, "b2")

	// The old child keeps draining after the restart.
	_, err = io.WriteString(w, "Server listening on http://127.0.0.1:9300\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	<-done

	p.Consume(Stderr, strings.NewReader(""))

	type entry struct {
		msg string
		pid int64
	}
	var got []entry
	for _, e := range logs.All() {
		got = append(got, entry{e.Message, e.ContextMap()["pid"].(int64)})
	}
	assert.ElementsMatch(t, []entry{
		{"a1", 100},
		{"2 stderr lines suppressed in last 10s", 100},
		{"b1", 200},
		{"1 stderr lines suppressed in last 10s", 200},
	}, got)
	assert.Empty(t, oldAddrs)
	assert.Empty(t, newAddrs)
}

func TestPipeline_ConsumeHandlesCRLFAndHugeLines(t *testing.T) {
	p, logs, _ := newObservedPipeline(t, WithMaxLineLength(10))
	huge := strings.Repeat("y", maxReadBytes+1000)

	p.Consume(Stdout, strings.NewReader("first\r\n"+huge+"\nlast"))

	msgs := messages(logs)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0])
	assert.Equal(t, strings.Repeat("y", 10)+" …[truncated 262134 chars]", msgs[1])
	assert.Equal(t, "last", msgs[2])
}

func TestParseListenLine(t *testing.T) {
	tests := []struct {
		line string
		ok   bool
		url  string
	}{
		{"Server listening on http://127.0.0.1:4000", true, "http://127.0.0.1:4000"},
		{"[info] Server listening on http://0.0.0.0:8080 (pid 3)", true, "http://127.0.0.1:8080"},
		{"Server listening on http://[::]:8080", true, "http://127.0.0.1:8080"},
		{"Server listening on http://[::1]:8080", true, "http://[::1]:8080"},
		{"Server listening on http://localhost:70000", false, ""},
		{"listening on port 3000", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			addr, ok := ParseListenLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.url, addr.ProbeURL())
			}
		})
	}
}

func TestWindow_RollReportsSuppressed(t *testing.T) {
	w := NewWindow(time.Second, 1)
	start := time.Unix(0, 0)

	assert.Equal(t, 0, w.Roll(start))
	assert.True(t, w.Allow())
	assert.False(t, w.Allow())
	assert.False(t, w.Allow())

	assert.Equal(t, 0, w.Roll(start.Add(time.Second)), "exactly one window is still the same window")
	assert.Equal(t, 2, w.Roll(start.Add(1500*time.Millisecond)))
	assert.True(t, w.Allow())
}
