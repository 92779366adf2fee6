package engine

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

// suppressLocalhostWarningEnv is the escape hatch naming loopback targets
// as acceptable (§6.3).
const suppressLocalhostWarningEnv = "SUPPRESS_LOCALHOST_WARNING"

// ValidateRemoteURL enforces the SSRF guard from §4.8: only http(s) schemes,
// no path traversal, and no loopback/link-local/private address unless the
// escape hatch is set.
func ValidateRemoteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", raw, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("rejected scheme %q for %q: only http/https allowed", u.Scheme, raw)
	}

	if strings.Contains(u.Path, "..") {
		return nil, fmt.Errorf("rejected path traversal in %q", raw)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isDisallowedIP(ip) && os.Getenv(suppressLocalhostWarningEnv) == "" {
			return nil, fmt.Errorf("rejected loopback/link-local/private address %q for %q (set %s to allow)", host, raw, suppressLocalhostWarningEnv)
		}
	}

	u.Path = normalizePath(u.Path)

	return u, nil
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate()
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}

	return p
}
