package util

import (
	"net"
	"strings"
)

// NormalizeIdentity canonicalizes an identity string before it becomes part
// of a rate limit key, so "User@Example.com " and "user@example.com" land in
// the same quota bucket.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// ClientIP extracts the bare IP from an http RemoteAddr style host:port
// value. Inputs that are already bare IPs pass through unchanged.
func ClientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
