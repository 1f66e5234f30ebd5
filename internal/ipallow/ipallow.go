// Package ipallow implements the admin IP allowlist middleware: exact-IP,
// CIDR, and symbolic-name rules gating a URL prefix.
package ipallow

import (
	"net"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gsmlg-opt/repub-sub000/internal/httpkit"
)

// Rule is one parsed allowlist entry.
type Rule struct {
	wildcard bool
	ip       net.IP
	network  *net.IPNet
}

func (r Rule) matches(ip net.IP) bool {
	if r.wildcard {
		return true
	}
	if r.network != nil {
		return r.network.Contains(ip)
	}
	if r.ip != nil {
		return r.ip.Equal(ip)
	}
	return false
}

// ParseRules compiles the comma-separated admin_ip_whitelist config value
// into Rules, expanding the symbolic name "localhost" into its IPv4/IPv6
// loopback addresses.
func ParseRules(raw []string) []Rule {
	var rules []Rule
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		switch {
		case entry == "*":
			rules = append(rules, Rule{wildcard: true})
		case entry == "localhost":
			rules = append(rules, Rule{ip: net.ParseIP("127.0.0.1")})
			rules = append(rules, Rule{ip: net.ParseIP("::1")})
		case strings.Contains(entry, "/"):
			if _, network, err := net.ParseCIDR(entry); err == nil {
				rules = append(rules, Rule{network: network})
			}
		default:
			if ip := net.ParseIP(entry); ip != nil {
				rules = append(rules, Rule{ip: ip})
			}
		}
	}
	return rules
}

// Allowed reports whether clientIP satisfies any rule. "unknown" IPs are
// always rejected unless a wildcard rule is present.
func Allowed(rules []Rule, clientIP string) bool {
	for _, r := range rules {
		if r.wildcard {
			return true
		}
	}

	if clientIP == "unknown" || clientIP == "" {
		return false
	}

	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}

	for _, r := range rules {
		if r.matches(ip) {
			return true
		}
	}
	return false
}

// Middleware gates requests under prefix against rules; requests outside
// the prefix pass through unchanged.
func Middleware(prefix string, rules []Rule, clientIP func(*fiber.Ctx) string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !strings.HasPrefix(c.Path(), prefix) {
			return c.Next()
		}

		if !Allowed(rules, clientIP(c)) {
			return httpkit.Forbidden(c, "auth_forbidden", "client IP not permitted")
		}
		return c.Next()
	}
}
