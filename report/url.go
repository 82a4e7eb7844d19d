package report

import (
	"errors"
	"net/url"
	"strings"
)

// ErrInvalidURL is returned when a report URL cannot be reduced to a valid
// origin.
var ErrInvalidURL = errors.New("report: invalid url")

// SanitizeURL reduces a raw report URL to its origin form: scheme, host,
// and port only, with userinfo, path, query, and fragment stripped. It
// returns the serialized origin (no trailing slash) and the sanitized URL
// (origin plus "/").
func SanitizeURL(raw string) (origin, sanitized string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", ErrInvalidURL
	}
	host := u.Host
	if host == "" || u.Hostname() == "" {
		return "", "", ErrInvalidURL
	}

	origin = u.Scheme + "://" + strings.ToLower(host)
	return origin, origin + "/", nil
}

// OriginOf returns the serialized origin of a URL, or "" if the URL is not
// valid.
func OriginOf(raw string) string {
	origin, _, err := SanitizeURL(raw)
	if err != nil {
		return ""
	}
	return origin
}
