package logpipe

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Redacted replaces every secret value.
const Redacted = "<redacted>"

// Rule is one redaction step. Rules run in order over the whole line.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// headerKeys are header names whose whole value is a credential.
const headerKeys = `proxy[_-]?authorization|authorization|set[_-]?cookie|cookie`

// authScheme matches the scheme word that precedes a credential, as in "Bearer abc".
const authScheme = `(?:(?:bearer|basic|digest|negotiate|token)\s+)?`

// sensitiveKeys matches credential-bearing parameter and field names.
const sensitiveKeys = `(?:` + headerKeys + `|pass(?:word|wd|phrase)?|pwd|secret|client[_-]?secret|` +
	`(?:access|refresh|id|auth|bearer|session|csrf|xsrf)?[_-]?token|` +
	`api[_-]?key|(?:private|secret|access)[_-]?key|session[_-]?id|sessid|sid|` +
	`credentials?|signature|sig)`

// DefaultRules returns the built-in redaction rules:
// header credentials, query parameters, key=value pairs, quoted literals and JSON literals.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "header",
			Pattern:     regexp.MustCompile(`(?i)\b(` + headerKeys + `)\s*:\s*[^\s"'{][^\r\n]*`),
			Replacement: "${1}: " + Redacted,
		},
		{
			Name:        "query",
			Pattern:     regexp.MustCompile(`(?i)([?&]` + sensitiveKeys + `=)[^&\s#"']*`),
			Replacement: "${1}" + Redacted,
		},
		{
			Name:        "pair",
			Pattern:     regexp.MustCompile(`(?i)(\b` + sensitiveKeys + `\s*[=:]\s*)` + authScheme + `[^\s"',;&}\]]+`),
			Replacement: "${1}" + Redacted,
		},
		{
			Name:        "quoted-double",
			Pattern:     regexp.MustCompile(`(?i)(\b` + sensitiveKeys + `\s*[=:]\s*)"(?:[^"\\]|\\.)*"`),
			Replacement: `${1}"` + Redacted + `"`,
		},
		{
			Name:        "quoted-single",
			Pattern:     regexp.MustCompile(`(?i)('?\b` + sensitiveKeys + `'?\s*[=:]\s*)'(?:[^'\\]|\\.)*'`),
			Replacement: `${1}'` + Redacted + `'`,
		},
		{
			Name:        "json",
			Pattern:     regexp.MustCompile(`(?i)("` + sensitiveKeys + `"\s*:\s*)(?:"(?:[^"\\]|\\.)*"|-?[0-9][^\s,}\]]*|true|false)`),
			Replacement: `${1}"` + Redacted + `"`,
		},
	}
}

// Redact applies rules to line in order.
func Redact(rules []Rule, line string) string {
	for _, r := range rules {
		line = r.Pattern.ReplaceAllString(line, r.Replacement)
	}
	return line
}

// Truncate caps line at max runes and appends a marker with the number of
// dropped characters.
func Truncate(line string, max int) string {
	if max <= 0 {
		return line
	}
	n := utf8.RuneCountInString(line)
	if n <= max {
		return line
	}
	cut := 0
	for i := range line {
		if cut == max {
			return fmt.Sprintf("%s …[truncated %d chars]", line[:i], n-max)
		}
		cut++
	}
	return line
}
