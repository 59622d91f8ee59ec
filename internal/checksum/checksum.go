// Package checksum computes and normalizes the MD5 digests published next to
// every distribution file as a "<file>.md5" sidecar.
package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Size is the length of a hex-encoded digest.
const Size = md5.Size * 2

// Digest returns the lowercase hex MD5 of b.
func Digest(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// NewHash returns a streaming hash; Sum renders its digest.
func NewHash() hash.Hash {
	return md5.New()
}

// Sum returns the lowercase hex digest accumulated in h.
func Sum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// DigestReader consumes r and returns its digest and the number of bytes read.
func DigestReader(r io.Reader) (string, int64, error) {
	h := NewHash()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return Sum(h), n, nil
}

// DigestFile returns the digest of the file at path.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	sum, _, err := DigestReader(f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return sum, nil
}

// Normalize extracts the first whitespace-separated token that is a valid
// lowercase digest. Sidecars in "md5sum" format ("<digest>  <name>") are
// accepted. Returns "" when no token qualifies.
func Normalize(text string) string {
	for _, tok := range strings.Fields(text) {
		if isDigest(tok) {
			return tok
		}
	}
	return ""
}

// Equal reports whether two normalized digests match. Empty never matches.
func Equal(a, b string) bool {
	return a != "" && a == b
}

func isDigest(s string) bool {
	if len(s) != Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
