package scan

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURL marks a scan target that cannot be accepted.
var ErrInvalidURL = errors.New("invalid url")

// ValidateURL checks that raw is an absolute http(s) URL with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q has no host", ErrInvalidURL, raw)
	}
	return nil
}

// NormalizeURL canonicalizes a URL for dedup: lowercases the host, strips the
// fragment, and trims any trailing slash from the path. Invalid URLs fall
// back to a trimmed string so normalization never loses a row.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(raw, "/")
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

// SameHost reports whether candidate resolves to the same host as root,
// treating a leading "www." as equivalent.
func SameHost(root, candidate string) bool {
	ru, err := url.Parse(root)
	if err != nil {
		return false
	}
	cu, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	return stripWWW(ru.Host) == stripWWW(cu.Host)
}

func stripWWW(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}
