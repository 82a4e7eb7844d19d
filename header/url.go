package header

import (
	"net/url"
	"strings"
)

// parseEndpointURL validates an endpoint URL from a header. The URL must
// be absolute and potentially trustworthy: https, or http to a loopback
// host (which lets local collectors be configured during development).
// Returns the normalized URL string.
func parseEndpointURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !isLoopbackHost(u.Hostname()) {
			return "", false
		}
	default:
		return "", false
	}
	u.User = nil
	u.Fragment = ""
	return u.String(), true
}

func isLoopbackHost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "::1" ||
		strings.HasPrefix(host, "127.")
}
