package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// WithDefaultScheme prefixes raw with http:// when it has no scheme.
func WithDefaultScheme(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		return "http://" + raw
	}
	return raw
}

// Hostname extracts the lowercase host of raw, assuming http:// when no scheme is present.
func Hostname(raw string) (string, error) {
	u, err := url.Parse(WithDefaultScheme(strings.TrimSpace(raw)))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	return strings.ToLower(u.Hostname()), nil
}
