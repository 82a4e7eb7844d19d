package cache

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/perimetric/reporting/endpoint"
	"github.com/perimetric/reporting/partition"
)

// SetEndpointsForOrigin upserts the (origin, partition, group) endpoint
// group and atomically replaces its endpoints. The endpoint list is capped
// at MaxEndpointsPerOrigin; groups are evicted when the origin or the
// cache as a whole exceeds its endpoint budget.
func (c *Cache) SetEndpointsForOrigin(origin string, part partition.Key, group string, includeSubdomains bool, expires time.Time, eps []endpoint.Endpoint) {
	key := endpoint.GroupKey{Origin: origin, Partition: part, Group: group}

	c.mu.Lock()

	if len(eps) > c.cfg.MaxEndpointsPerOrigin {
		eps = eps[:c.cfg.MaxEndpointsPerOrigin]
	}

	now := c.clk.Now()
	entry, existed := c.groups[key]
	if !existed {
		entry = &groupEntry{group: &endpoint.Group{Key: key, LastUsed: now}}
		c.groups[key] = entry
		c.indexGroupLocked(key)
	}
	entry.group.IncludeSubdomains = includeSubdomains
	entry.group.Expires = expires

	// Replace endpoints wholesale, journaling the delta.
	c.journalLocked(opDeleteGroup, key, "", nil, nil)
	entry.endpoints = entry.endpoints[:0]
	for i := range eps {
		ep := eps[i]
		ep.GroupKey = key
		entry.endpoints = append(entry.endpoints, &ep)
	}
	c.journalGroupLocked(entry)

	c.evictForOriginLocked(origin, key)
	c.evictGlobalLocked(key)

	c.mu.Unlock()
	c.notifyClientsUpdated()
}

// RemoveEndpointGroup deletes the named group for an origin. Deleting a
// nonexistent group is a no-op.
func (c *Cache) RemoveEndpointGroup(origin string, part partition.Key, group string) {
	key := endpoint.GroupKey{Origin: origin, Partition: part, Group: group}

	c.mu.Lock()
	_, existed := c.groups[key]
	if existed {
		c.deleteGroupLocked(key)
		c.journalLocked(opDeleteGroup, key, "", nil, nil)
	}
	c.mu.Unlock()

	if existed {
		c.notifyClientsUpdated()
	}
}

// RemoveEndpoint deletes one endpoint of a group, typically after a 410
// response. The group itself is removed once its last endpoint is gone.
func (c *Cache) RemoveEndpoint(key endpoint.GroupKey, url string) {
	c.mu.Lock()
	entry, ok := c.groups[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	kept := entry.endpoints[:0]
	for _, ep := range entry.endpoints {
		if ep.URL != url {
			kept = append(kept, ep)
		}
	}
	entry.endpoints = kept
	c.journalLocked(opDeleteEndpoint, key, url, nil, nil)
	if len(entry.endpoints) == 0 {
		c.deleteGroupLocked(key)
		c.journalLocked(opDeleteGroup, key, "", nil, nil)
	}
	c.mu.Unlock()
	c.notifyClientsUpdated()
}

// SetDocumentEndpoints installs the V1 name→url endpoint map for a
// reporting source. Each name becomes a source-keyed group holding a
// single endpoint. An empty source is rejected.
func (c *Cache) SetDocumentEndpoints(source uuid.UUID, isolation endpoint.IsolationInfo, part partition.Key, origin string, endpoints map[string]string) {
	if source == uuid.Nil {
		return
	}

	c.mu.Lock()

	src, ok := c.sources[source]
	if !ok {
		src = &sourceEntry{
			isolation: isolation,
			origin:    origin,
			partition: part,
			groups:    make(map[string]endpoint.GroupKey),
		}
		c.sources[source] = src
	}

	names := make([]string, 0, len(endpoints))
	for name := range endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	// V1 groups are keyed by (source, name) alone; the partition of their
	// uploads comes from the document's isolation info, not the key.
	now := c.clk.Now()
	for _, name := range names {
		key := endpoint.GroupKey{Source: source, Group: name}
		entry, existed := c.groups[key]
		if !existed {
			entry = &groupEntry{group: &endpoint.Group{Key: key, LastUsed: now}}
			c.groups[key] = entry
		}
		entry.endpoints = []*endpoint.Endpoint{{
			GroupKey: key,
			URL:      endpoints[name],
			Priority: endpoint.DefaultPriority,
			Weight:   endpoint.DefaultWeight,
		}}
		src.groups[name] = key
	}

	c.mu.Unlock()
	c.notifyClientsUpdated()
}

// SetExpiredSource marks a V1 source for tombstoning: no new deliveries
// are scheduled for it, and its clients are dropped once its remaining
// reports drain.
func (c *Cache) SetExpiredSource(source uuid.UUID) {
	c.mu.Lock()
	if src, ok := c.sources[source]; ok {
		src.expired = true
	}
	c.tombstoneExpiredSourcesLocked()
	c.mu.Unlock()
}

// RemoveEndpointsForSource deletes every client configured by a source.
func (c *Cache) RemoveEndpointsForSource(source uuid.UUID) {
	c.mu.Lock()
	removed := c.removeSourceLocked(source)
	c.mu.Unlock()
	if removed {
		c.notifyClientsUpdated()
	}
}

// EndpointsForDelivery returns the endpoints of a group that are eligible
// for upload at the cache clock's current time, or nil if the group is expired, its
// source is expired but drained, or it does not exist.
func (c *Cache) EndpointsForDelivery(key endpoint.GroupKey) []*endpoint.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.groups[key]
	if !ok || entry.group.Expired(c.clk.Now()) {
		return nil
	}
	out := make([]*endpoint.Endpoint, len(entry.endpoints))
	copy(out, entry.endpoints)
	return out
}

// MarkEndpointUsed records that an endpoint was chosen for an upload and
// counts the upload in flight.
func (c *Cache) MarkEndpointUsed(key endpoint.GroupKey, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.groups[key]
	if !ok {
		return
	}
	now := c.clk.Now()
	entry.group.LastUsed = now
	for _, ep := range entry.endpoints {
		if ep.URL == url {
			ep.PendingUploads++
			ep.Stats.LastUsed = now
		}
	}
	c.journalGroupLocked(entry)
}

// RecordUploadOutcome settles an in-flight upload against an endpoint's
// statistics.
func (c *Cache) RecordUploadOutcome(key endpoint.GroupKey, url string, delivered bool, reportCount int) {
	c.mu.Lock()
	entry, ok := c.groups[key]
	if ok {
		for _, ep := range entry.endpoints {
			if ep.URL != url {
				continue
			}
			if ep.PendingUploads > 0 {
				ep.PendingUploads--
			}
			if delivered {
				ep.Stats.SuccessfulUploads++
				ep.Stats.SuccessfulReports += reportCount
			} else {
				ep.Stats.FailedUploads++
			}
		}
		c.journalGroupLocked(entry)
	}
	c.mu.Unlock()
	c.notifyClientsUpdated()
}

// AddClientsLoaded installs the store snapshot in a single atomic step.
// Loaded clients are not journaled back to the store.
func (c *Cache) AddClientsLoaded(endpoints []*endpoint.Endpoint, groups []*endpoint.Group) {
	c.mu.Lock()

	for _, g := range groups {
		if g.Key.IsSourceKeyed() {
			continue // V1 clients are never persisted
		}
		c.groups[g.Key] = &groupEntry{group: g}
		c.indexGroupLocked(g.Key)
	}
	for _, ep := range endpoints {
		entry, ok := c.groups[ep.GroupKey]
		if !ok {
			continue // endpoint without its group: drop
		}
		entry.endpoints = append(entry.endpoints, ep)
	}

	c.mu.Unlock()
	c.notifyClientsUpdated()
}

// GroupCount returns the number of live endpoint groups.
func (c *Cache) GroupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}

// EndpointCount returns the number of live endpoints across all groups.
func (c *Cache) EndpointCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, entry := range c.groups {
		n += len(entry.endpoints)
	}
	return n
}

// Flush drains the client journal to the store. A cache without a store,
// or one configured not to persist clients, discards the journal.
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	ops := c.journal
	c.journal = nil
	c.mu.Unlock()

	if c.store == nil || !c.cfg.PersistClients {
		return nil
	}

	for _, op := range ops {
		var err error
		switch op.kind {
		case opUpsertEndpoint:
			err = c.store.UpsertEndpoint(ctx, op.ep)
		case opUpsertGroup:
			err = c.store.UpsertGroup(ctx, op.group)
		case opDeleteEndpoint:
			err = c.store.DeleteEndpoint(ctx, op.key, op.url)
		case opDeleteGroup:
			err = c.store.DeleteGroup(ctx, op.key)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Internals
// ──────────────────────────────────────────────────

type journalOpKind int

const (
	opUpsertEndpoint journalOpKind = iota
	opUpsertGroup
	opDeleteEndpoint
	opDeleteGroup
)

type journalOp struct {
	kind  journalOpKind
	key   endpoint.GroupKey
	url   string
	ep    *endpoint.Endpoint
	group *endpoint.Group
}

func (c *Cache) journalLocked(kind journalOpKind, key endpoint.GroupKey, url string, ep *endpoint.Endpoint, g *endpoint.Group) {
	if c.store == nil || !c.cfg.PersistClients || key.IsSourceKeyed() {
		return
	}
	c.journal = append(c.journal, journalOp{kind: kind, key: key, url: url, ep: ep, group: g})
}

// journalGroupLocked records upserts for a group and all its endpoints,
// copying current state so later mutations do not leak into the journal.
func (c *Cache) journalGroupLocked(entry *groupEntry) {
	key := entry.group.Key
	if c.store == nil || !c.cfg.PersistClients || key.IsSourceKeyed() {
		return
	}
	g := *entry.group
	c.journalLocked(opUpsertGroup, key, "", nil, &g)
	for _, ep := range entry.endpoints {
		cp := *ep
		c.journalLocked(opUpsertEndpoint, key, cp.URL, &cp, nil)
	}
}

func (c *Cache) indexGroupLocked(key endpoint.GroupKey) {
	if key.IsSourceKeyed() {
		return
	}
	host := hostOfOrigin(key.Origin)
	if host == "" {
		return
	}
	set, ok := c.hostIndex[host]
	if !ok {
		set = make(map[endpoint.GroupKey]struct{})
		c.hostIndex[host] = set
	}
	set[key] = struct{}{}
}

func (c *Cache) deleteGroupLocked(key endpoint.GroupKey) {
	delete(c.groups, key)
	if key.IsSourceKeyed() {
		return
	}
	host := hostOfOrigin(key.Origin)
	if set, ok := c.hostIndex[host]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(c.hostIndex, host)
		}
	}
}

func (c *Cache) removeSourceLocked(source uuid.UUID) bool {
	src, ok := c.sources[source]
	if !ok {
		return false
	}
	for _, key := range src.groups {
		delete(c.groups, key)
	}
	delete(c.sources, source)
	return true
}

// tombstoneExpiredSourcesLocked drops the clients of expired sources that
// have no remaining reports.
func (c *Cache) tombstoneExpiredSourcesLocked() {
	for source, src := range c.sources {
		if !src.expired {
			continue
		}
		remaining := false
		for _, r := range c.reports {
			if r.Source == source {
				remaining = true
				break
			}
		}
		if !remaining {
			c.removeSourceLocked(source)
		}
	}
}

// evictForOriginLocked enforces the per-origin endpoint budget. The group
// with the weakest priority goes first; among equals, the least recently
// used. The group just written is spared so an upsert cannot evict itself.
func (c *Cache) evictForOriginLocked(origin string, spare endpoint.GroupKey) {
	for c.originEndpointCountLocked(origin) > c.cfg.MaxEndpointsPerOrigin {
		victim := c.evictionCandidateLocked(func(key endpoint.GroupKey) bool {
			return !key.IsSourceKeyed() && key.Origin == origin && key != spare
		})
		if victim == nil {
			return
		}
		c.deleteGroupLocked(victim.group.Key)
		c.journalLocked(opDeleteGroup, victim.group.Key, "", nil, nil)
	}
}

// evictGlobalLocked enforces the cache-wide endpoint budget.
func (c *Cache) evictGlobalLocked(spare endpoint.GroupKey) {
	for c.totalEndpointCountLocked() > c.cfg.MaxEndpointCount {
		victim := c.evictionCandidateLocked(func(key endpoint.GroupKey) bool {
			return key != spare
		})
		if victim == nil {
			return
		}
		c.deleteGroupLocked(victim.group.Key)
		c.journalLocked(opDeleteGroup, victim.group.Key, "", nil, nil)
	}
}

func (c *Cache) originEndpointCountLocked(origin string) int {
	n := 0
	for key, entry := range c.groups {
		if !key.IsSourceKeyed() && key.Origin == origin {
			n += len(entry.endpoints)
		}
	}
	return n
}

func (c *Cache) totalEndpointCountLocked() int {
	n := 0
	for _, entry := range c.groups {
		n += len(entry.endpoints)
	}
	return n
}

// evictionCandidateLocked picks the group with the numerically largest
// minimum endpoint priority (weakest), breaking ties by least recently
// used.
func (c *Cache) evictionCandidateLocked(eligible func(endpoint.GroupKey) bool) *groupEntry {
	var victim *groupEntry
	victimPrio := 0
	for key, entry := range c.groups {
		if !eligible(key) || len(entry.endpoints) == 0 {
			continue
		}
		prio := entry.endpoints[0].Priority
		for _, ep := range entry.endpoints[1:] {
			if ep.Priority < prio {
				prio = ep.Priority
			}
		}
		switch {
		case victim == nil,
			prio > victimPrio,
			prio == victimPrio && entry.group.LastUsed.Before(victim.group.LastUsed):
			victim = entry
			victimPrio = prio
		}
	}
	return victim
}
