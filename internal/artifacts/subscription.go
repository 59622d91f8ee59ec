package artifacts

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// fileSuffixes mark a subscription URL that points at a file rather than a
// directory. The file segment is dropped to get the base.
var fileSuffixes = []string{".js", ".mjs", ".cjs", ".json", ".md5"}

// Subscription is a parsed subscription URL. Credentials from the URL
// user-info are kept apart from the base and sent as Basic auth.
type Subscription struct {
	base     url.URL
	username string
	password string
	hasAuth  bool
}

// ParseSubscription normalizes raw into a Subscription. It reports false for
// empty input and for anything without both a scheme and a host.
func ParseSubscription(raw string) (Subscription, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Subscription{}, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Subscription{}, false
	}

	var sub Subscription
	if u.User != nil {
		sub.username = u.User.Username()
		sub.password, _ = u.User.Password()
		sub.hasAuth = true
		u.User = nil
	}
	u.Fragment = ""
	u.RawFragment = ""

	p := strings.TrimRight(u.Path, "/")
	if hasFileSuffix(path.Base(p)) {
		p = path.Dir(p)
	}
	if p == "." || p == "/" {
		p = ""
	}
	u.Path = p
	u.RawPath = ""

	sub.base = *u
	return sub, true
}

func hasFileSuffix(segment string) bool {
	lower := strings.ToLower(segment)
	for _, suffix := range fileSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// BaseURL returns the credential-free base without query string.
func (s Subscription) BaseURL() string {
	u := s.base
	u.RawQuery = ""
	return u.String()
}

// HasAuth reports whether requests carry Basic auth.
func (s Subscription) HasAuth() bool {
	return s.hasAuth
}

// FileURL returns the URL of a required file.
func (s Subscription) FileURL(name string) string {
	return s.base.JoinPath(name).String()
}

// DigestURL returns the URL of a required file's published digest.
func (s Subscription) DigestURL(name string) string {
	return s.FileURL(name + ".md5")
}

func (s Subscription) authorize(req *http.Request) {
	if s.hasAuth {
		req.SetBasicAuth(s.username, s.password)
	}
}
