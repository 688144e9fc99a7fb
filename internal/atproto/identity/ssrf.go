package identity

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// CheckSSRF validates that endpoint is a safe outbound target for PDS and
// FeedGenerator service entries: must be HTTP(S), and must
// not resolve to localhost, loopback, RFC1918 private ranges, or link-local
// addresses unless explicitly whitelisted.
func CheckSSRF(endpoint string, allowlist []string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid service endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("service endpoint %q: scheme must be http(s)", endpoint)
	}

	host := u.Hostname()
	for _, allowed := range allowlist {
		if host == allowed {
			return nil
		}
	}

	if looksLikePrivateHost(host) {
		return fmt.Errorf("service endpoint %q: loopback host is not allowed", endpoint)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Not our job to fail resolution here; let the HTTP client's own
		// dial report the DNS error. A hostname that doesn't resolve yet
		// isn't necessarily an SSRF attempt.
		return nil
	}
	for _, ip := range ips {
		if isBlockedIP(ip) {
			return fmt.Errorf("service endpoint %q resolves to blocked address %s", endpoint, ip)
		}
	}
	return nil
}

func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, cidr := range privateRanges {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

var privateRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"fc00::/7",
	"fe80::/10",
}

// looksLikePrivateHost is a quick string-level pre-check used before a DNS
// lookup, avoiding a network round trip for the obvious cases.
func looksLikePrivateHost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
