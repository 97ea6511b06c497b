// Package origin implements the browser Origin policy for the signaling
// endpoints: normalization of Origin headers and the allow decision used by
// both the WebSocket upgrade and the HTTP middleware.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin header and returns it in canonical
// scheme://host[:port] form, along with the host[:port] portion used for
// same-host comparison.
//
// The opaque Origin value "null" (sandboxed iframes, file:// pages) is
// accepted and passed through so an explicit allow-list entry can match it.
func Normalize(header string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	// A serialized origin carries nothing beyond scheme and authority.
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHostPort(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Allowed reports whether a normalized origin may reach the relay.
//
// With a non-empty allow list, each entry is either "*" or a normalized origin
// as produced by Normalize. With an empty list the policy is same-host: the
// origin's host[:port] must equal the request's Host header, with default
// ports treated as absent. Scheme is deliberately not compared since a
// TLS-terminating proxy in front of the relay makes it unreliable.
func Allowed(normalized, originHost, requestHost string, allowList []string) bool {
	if len(allowList) > 0 {
		for _, entry := range allowList {
			if entry == "*" || entry == normalized {
				return true
			}
		}
		return false
	}

	scheme, _, ok := strings.Cut(normalized, "://")
	if !ok || (scheme != "http" && scheme != "https") {
		// "null" and anything unnormalized never match a host-based request.
		return false
	}

	reqHost, ok := canonicalHostPort(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

// canonicalHostPort lowercases the hostname, validates the port, drops the
// port when it is the scheme default, and re-brackets IPv6 literals.
func canonicalHostPort(authority, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(authority)
	if !ok {
		return "", false
	}
	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port]. IPv6 literals come back
// without brackets; the port is returned unvalidated and empty when absent.
func splitHostPort(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}

	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = authority[1:end]
		rest := authority[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(authority, ":") {
	case 0:
		return authority, "", true
	case 1:
		h, p, _ := strings.Cut(authority, ":")
		if h == "" || p == "" {
			return "", "", false
		}
		return h, p, true
	default:
		// Unbracketed IPv6 literals are not valid authority syntax.
		return "", "", false
	}
}
