package cache

import (
	"strings"
	"time"

	"github.com/weppos/publicsuffix-go/publicsuffix"

	"github.com/perimetric/reporting/endpoint"
	"github.com/perimetric/reporting/report"
)

// matchGroupLocked resolves the endpoint-group key a report delivers
// through. Source-keyed (V1) groups win when the report carries a source
// token; otherwise the report's exact (origin, partition, group) is tried,
// then ancestor domains with include_subdomains set, one label at a time
// toward the public suffix, closest match first.
func (c *Cache) matchGroupLocked(r *report.Report, now time.Time) (endpoint.GroupKey, bool) {
	if r.HasSource() {
		key := endpoint.GroupKey{Source: r.Source, Group: r.Group}
		if entry, ok := c.groups[key]; ok && len(entry.endpoints) > 0 {
			return key, true
		}
	}

	origin := r.Origin()
	key := endpoint.GroupKey{Origin: origin, Partition: r.Partition, Group: r.Group}
	if c.deliverableLocked(key, now, false) {
		return key, true
	}

	host := hostOfOrigin(origin)
	for _, ancestor := range ancestorDomains(host) {
		for cand := range c.hostIndex[ancestor] {
			if cand.Partition != r.Partition || cand.Group != r.Group {
				continue
			}
			if c.deliverableLocked(cand, now, true) {
				return cand, true
			}
		}
	}

	return endpoint.GroupKey{}, false
}

// deliverableLocked reports whether a group exists, has endpoints, and is
// not expired. When subdomainsOnly is set the group must also opt in to
// subdomain matching.
func (c *Cache) deliverableLocked(key endpoint.GroupKey, now time.Time, subdomainsOnly bool) bool {
	entry, ok := c.groups[key]
	if !ok || len(entry.endpoints) == 0 || entry.group.Expired(now) {
		return false
	}
	if subdomainsOnly && !entry.group.IncludeSubdomains {
		return false
	}
	return true
}

// ancestorDomains returns the strict ancestors of host down to the
// registrable domain, nearest first. Hosts that have no registrable domain
// (IP literals, single labels) yield nothing.
func ancestorDomains(host string) []string {
	host = stripPort(host)
	registrable, err := publicsuffix.Domain(host)
	if err != nil || registrable == host {
		return nil
	}

	var out []string
	rest := host
	for {
		dot := strings.IndexByte(rest, '.')
		if dot < 0 {
			break
		}
		rest = rest[dot+1:]
		out = append(out, rest)
		if rest == registrable {
			break
		}
	}
	return out
}

func hostOfOrigin(origin string) string {
	i := strings.Index(origin, "://")
	if i < 0 {
		return ""
	}
	return stripPort(origin[i+3:])
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host, "]") {
		return host[:i]
	}
	return host
}
