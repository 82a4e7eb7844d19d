package cache

import (
	"github.com/perimetric/reporting/report"
)

// DataType is the bitmask selecting what browsing-data removal clears.
type DataType int

const (
	// DataTypeReports selects queued reports.
	DataTypeReports DataType = 1 << iota

	// DataTypeClients selects endpoint groups and endpoints.
	DataTypeClients
)

// RemoveBrowsingData deletes reports and/or clients whose origin matches
// the predicate, per the mask. In-flight reports are doomed rather than
// deleted.
func (c *Cache) RemoveBrowsingData(mask DataType, originMatches func(origin string) bool) {
	c.mu.Lock()

	removedReports := false
	removedClients := false

	if mask&DataTypeReports != 0 {
		for _, r := range c.reports {
			if !originMatches(r.Origin()) {
				continue
			}
			removedReports = true
			if r.InFlight() {
				r.Status = report.StatusDoomed
				continue
			}
			c.deleteReportLocked(r)
		}
	}

	if mask&DataTypeClients != 0 {
		for key := range c.groups {
			if key.IsSourceKeyed() || !originMatches(key.Origin) {
				continue
			}
			c.deleteGroupLocked(key)
			c.journalLocked(opDeleteGroup, key, "", nil, nil)
			removedClients = true
		}
		for source, src := range c.sources {
			if originMatches(src.origin) {
				c.removeSourceLocked(source)
				removedClients = true
			}
		}
	}

	c.mu.Unlock()

	if removedReports {
		c.notifyReportsUpdated()
	}
	if removedClients {
		c.notifyClientsUpdated()
	}
}

// RemoveAllBrowsingData is RemoveBrowsingData with an always-true
// predicate.
func (c *Cache) RemoveAllBrowsingData(mask DataType) {
	c.RemoveBrowsingData(mask, func(string) bool { return true })
}

// CollectGarbage removes reports past their maximum age and endpoint
// groups that are expired or stale. Expired groups are invisible to
// delivery as soon as their expiry passes; this sweep is what reclaims
// them.
func (c *Cache) CollectGarbage() {
	c.mu.Lock()

	now := c.clk.Now()
	removedReports := false
	removedClients := false

	cutoff := now.Add(-c.cfg.MaxReportAge)
	for _, r := range c.reports {
		expired := c.cfg.MaxReportAge > 0 && r.QueuedAt.Before(cutoff)
		exhausted := c.cfg.MaxReportAttempts > 0 && r.Attempts >= c.cfg.MaxReportAttempts
		if !expired && !exhausted {
			continue
		}
		removedReports = true
		if r.InFlight() {
			r.Status = report.StatusDoomed
			continue
		}
		c.deleteReportLocked(r)
	}

	for key, entry := range c.groups {
		if key.IsSourceKeyed() {
			continue
		}
		stale := c.cfg.MaxGroupStaleness > 0 &&
			entry.group.LastUsed.Before(now.Add(-c.cfg.MaxGroupStaleness))
		if entry.group.Expired(now) || stale {
			c.deleteGroupLocked(key)
			c.journalLocked(opDeleteGroup, key, "", nil, nil)
			removedClients = true
		}
	}

	c.tombstoneExpiredSourcesLocked()
	c.mu.Unlock()

	if removedReports {
		c.notifyReportsUpdated()
	}
	if removedClients {
		c.notifyClientsUpdated()
	}
}
