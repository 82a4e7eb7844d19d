package cache

import (
	"sort"

	"github.com/perimetric/reporting/endpoint"
)

// ReportsAsValue returns a JSON-shaped snapshot of live reports, oldest
// first, for the service status dictionary.
func (c *Cache) ReportsAsValue() []any {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]any, 0, len(c.reports))
	for _, r := range c.sortedReportsLocked() {
		out = append(out, map[string]any{
			"url":       r.URL,
			"group":     r.Group,
			"type":      r.Type,
			"status":    string(r.Status),
			"depth":     r.Depth,
			"queued":    r.QueuedAt.UnixMilli(),
			"attempts":  r.Attempts,
			"body":      r.Body,
			"partition": r.Partition.String(),
		})
	}
	return out
}

// ClientsAsValue returns a JSON-shaped snapshot of endpoint groups and
// their endpoints, grouped by origin (with source-keyed groups under their
// source token).
func (c *Cache) ClientsAsValue() []any {
	c.mu.Lock()
	defer c.mu.Unlock()

	byOwner := make(map[string][]*groupEntry)
	for key, entry := range c.groups {
		owner := key.Origin
		if key.IsSourceKeyed() {
			owner = key.Source.String()
		}
		byOwner[owner] = append(byOwner[owner], entry)
	}

	owners := make([]string, 0, len(byOwner))
	for owner := range byOwner {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	out := make([]any, 0, len(owners))
	for _, owner := range owners {
		entries := byOwner[owner]
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].group.Key.Group < entries[j].group.Key.Group
		})
		groups := make([]any, 0, len(entries))
		for _, entry := range entries {
			groups = append(groups, groupAsValue(entry))
		}
		out = append(out, map[string]any{
			"origin": owner,
			"groups": groups,
		})
	}
	return out
}

func groupAsValue(entry *groupEntry) map[string]any {
	endpoints := make([]any, 0, len(entry.endpoints))
	for _, ep := range entry.endpoints {
		endpoints = append(endpoints, endpointAsValue(ep))
	}
	v := map[string]any{
		"name":              entry.group.Key.Group,
		"includeSubdomains": entry.group.IncludeSubdomains,
		"endpoints":         endpoints,
	}
	if !entry.group.Expires.IsZero() {
		v["expires"] = entry.group.Expires.UnixMilli()
	}
	return v
}

func endpointAsValue(ep *endpoint.Endpoint) map[string]any {
	return map[string]any{
		"url":      ep.URL,
		"priority": ep.Priority,
		"weight":   ep.Weight,
		"successful": map[string]any{
			"uploads": ep.Stats.SuccessfulUploads,
			"reports": ep.Stats.SuccessfulReports,
		},
		"failed": map[string]any{
			"uploads": ep.Stats.FailedUploads,
		},
	}
}
