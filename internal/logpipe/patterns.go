package logpipe

import (
	"net"
	"regexp"
	"strconv"
)

var (
	// DefaultNoisyPattern matches chatty stdout lines: HTTP access lines,
	// fetch and cache chatter, and health-probe requests.
	DefaultNoisyPattern = regexp.MustCompile(
		`(?i)(\b(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)\s+/\S*` +
			`|\bfetch(ing|ed)?\b|\bcache[ds]?\b|\bcache (hit|miss)\b` +
			`|/config\b|/health\b)`)

	// DefaultCriticalPattern marks stderr lines that are never rate limited.
	DefaultCriticalPattern = regexp.MustCompile(`(?i)(error|fatal|panic|exception|uncaught|critical)`)

	listenPattern = regexp.MustCompile(`Server listening on (https?)://(\[[0-9A-Fa-f:.]+\]|[^\s:/\[\]]+):(\d{1,5})\b`)
)

// Address is the endpoint the runtime reported it is bound to.
type Address struct {
	Scheme string
	Host   string
	Port   int
}

// ParseListenLine extracts the bound address from a
// "Server listening on http://<ip>:<port>" line.
func ParseListenLine(line string) (Address, bool) {
	m := listenPattern.FindStringSubmatch(line)
	if m == nil {
		return Address{}, false
	}
	port, err := strconv.Atoi(m[3])
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, false
	}
	host := m[2]
	if len(host) > 1 && host[0] == '[' {
		host = host[1 : len(host)-1]
	}
	return Address{Scheme: m[1], Host: host, Port: port}, true
}

// ProbeURL returns the base URL for reaching the runtime from this host.
// Wildcard bind addresses are reached through loopback.
func (a Address) ProbeURL() string {
	host := a.Host
	switch host {
	case "0.0.0.0", "::", "", "[::]":
		host = "127.0.0.1"
	}
	scheme := a.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(a.Port))
}
