// Package sha256 derives result object names from feed URLs.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// DigestLen is the number of hex characters New keeps.
const DigestLen = 16

// Hasher implements sinks.Hasher. URLs that differ only in scheme or host
// case, or in their fragment, share a digest.
type Hasher struct {
	n int
}

// New returns a hasher producing DigestLen-character digests.
func New() *Hasher {
	return &Hasher{n: DigestLen}
}

// NewFull returns a hasher producing the full 64-character digest.
func NewFull() *Hasher {
	return &Hasher{}
}

// Hash returns the hex SHA-256 of data after URL canonicalization.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(canonical(data))
	digest := hex.EncodeToString(sum[:])
	if h.n > 0 && h.n < len(digest) {
		digest = digest[:h.n]
	}
	return digest, nil
}

// canonical returns data unchanged unless it parses as an absolute URL.
func canonical(data []byte) []byte {
	u, err := url.Parse(string(data))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return data
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment, u.RawFragment = "", ""
	return []byte(u.String())
}
