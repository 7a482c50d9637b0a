// Package fingerprint computes stable identity hashes for URLs and
// extracted records.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// CanonicalURL standardizes a URL so the same page never yields two
// frontier entries. It lowercases the scheme and host, removes default
// ports and fragments, and sorts query parameters.
func CanonicalURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q missing scheme or host", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}

// URL canonicalizes rawURL and returns the canonical form plus its
// fingerprint.
func URL(rawURL string) (canonical, fp string, err error) {
	canonical, err = CanonicalURL(rawURL)
	if err != nil {
		return "", "", err
	}
	return canonical, digest([]byte(canonical)), nil
}

// Item computes the content fingerprint for an extracted field set. When
// uniqueKey names a non-empty field, that value alone identifies the item;
// otherwise the hash covers the whole field set in key order.
func Item(fields map[string]string, uniqueKey string) string {
	if uniqueKey != "" {
		if v, ok := fields[uniqueKey]; ok && v != "" {
			return digest([]byte(uniqueKey + "=" + v))
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
		b.WriteByte('\n')
	}
	return digest([]byte(b.String()))
}

// Domain extracts the lowercase hostname used for rate limiting and
// credential binding.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
