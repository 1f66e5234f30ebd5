// Package webhook implements event fan-out to administrator-registered
// HTTP endpoints: SSRF-guarded delivery, HMAC-SHA256 signing, bounded
// concurrency, failure accounting with automatic disable, and a
// circuit-breaker wrapping each delivery attempt.
package webhook

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrSSRFBlocked is returned by checkSSRF when a URL targets a host on the
// blocklist in the delivery spec.
var ErrSSRFBlocked = fmt.Errorf("url targets a blocked host")

// CheckURL is checkSSRF's exported form, called by the admin API before
// a webhook's URL is persisted so a blocked host is rejected at creation
// time rather than on the first delivery attempt.
func CheckURL(rawURL string) error {
	return checkSSRF(rawURL)
}

// checkSSRF rejects any URL whose scheme isn't http/https, or whose host
// is localhost or a literal address in the loopback/private/link-local
// ranges a webhook must never be allowed to reach. Hostnames are matched
// as text only; they are not resolved through DNS.
func checkSSRF(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrSSRFBlocked
	}

	host := u.Hostname()
	if host == "" {
		return ErrSSRFBlocked
	}

	if isBlockedHost(host) {
		return ErrSSRFBlocked
	}
	return nil
}

func isBlockedHost(host string) bool {
	h := strings.ToLower(strings.Trim(host, "[]"))

	if h == "localhost" {
		return true
	}

	switch {
	case strings.HasPrefix(h, "127."),
		h == "0.0.0.0",
		strings.HasPrefix(h, "10."),
		strings.HasPrefix(h, "192.168."),
		strings.HasPrefix(h, "169.254."),
		h == "::1",
		strings.HasPrefix(h, "fd00:"),
		strings.HasPrefix(h, "fe80:"):
		return true
	}

	if strings.HasPrefix(h, "172.") {
		parts := strings.SplitN(h, ".", 3)
		if len(parts) >= 2 {
			if n, err := strconv.Atoi(parts[1]); err == nil && n >= 16 && n <= 31 {
				return true
			}
		}
	}

	// A resolvable literal IP outside the textual blocklist above is still
	// checked structurally, catching IPv6-expanded loopback/link-local forms.
	if ip := net.ParseIP(h); ip != nil {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return true
		}
	}

	return false
}
