// Package cache holds the authoritative in-memory state of the reporting
// core: queued reports, endpoint groups, endpoints, and V1 document
// endpoint configuration.
//
// The cache is owned by the service facade. All methods are safe for
// concurrent use; mutations notify registered observers after the cache
// lock is released.
package cache

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perimetric/reporting/clock"
	"github.com/perimetric/reporting/endpoint"
	"github.com/perimetric/reporting/id"
	"github.com/perimetric/reporting/partition"
	"github.com/perimetric/reporting/report"
	"github.com/perimetric/reporting/store"
)

// Config holds the cache's tunable limits, mapped from the service policy.
type Config struct {
	MaxReportCount        int
	MaxEndpointsPerOrigin int
	MaxEndpointCount      int
	MaxReportAge          time.Duration
	MaxReportAttempts     int
	MaxGroupStaleness     time.Duration

	// PersistClients enables journaling of origin-keyed client mutations
	// for the store. Source-keyed clients are never journaled.
	PersistClients bool
}

// Batch is a set of deliverable reports sharing an endpoint group.
type Batch struct {
	Key     endpoint.GroupKey
	Reports []*report.Report

	// Partition is the network partition the upload runs in: the key's
	// partition for origin-keyed groups, the configuring document's
	// partition for source-keyed (V1) groups.
	Partition partition.Key
}

type groupEntry struct {
	group     *endpoint.Group
	endpoints []*endpoint.Endpoint
}

type sourceEntry struct {
	isolation endpoint.IsolationInfo
	origin    string
	partition partition.Key
	groups    map[string]endpoint.GroupKey // group name → key
	expired   bool
}

// Cache is the in-memory model of reports and clients.
type Cache struct {
	mu     sync.Mutex
	cfg    Config
	clk    clock.Clock
	store  store.Store // nil when nothing is persisted
	logger *slog.Logger

	reports map[id.ID]*report.Report
	seqOf   map[id.ID]uint64
	seq     uint64

	groups    map[endpoint.GroupKey]*groupEntry
	hostIndex map[string]map[endpoint.GroupKey]struct{} // host → origin-keyed groups
	sources   map[uuid.UUID]*sourceEntry

	observers map[Observer]struct{}
	journal   []journalOp
}

// New creates an empty cache. The store may be nil; it is only written to
// during Flush and only when cfg.PersistClients is set.
func New(cfg Config, clk clock.Clock, st store.Store, logger *slog.Logger) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		cfg:       cfg,
		clk:       clk,
		store:     st,
		logger:    logger,
		reports:   make(map[id.ID]*report.Report),
		seqOf:     make(map[id.ID]uint64),
		groups:    make(map[endpoint.GroupKey]*groupEntry),
		hostIndex: make(map[string]map[endpoint.GroupKey]struct{}),
		sources:   make(map[uuid.UUID]*sourceEntry),
		observers: make(map[Observer]struct{}),
	}
}

// AddReport appends a report. When the total exceeds MaxReportCount the
// oldest non-in-flight report is evicted; if every report is in flight,
// the oldest pending report is doomed instead and discarded when its
// upload completes.
func (c *Cache) AddReport(r *report.Report) {
	c.mu.Lock()

	if r.ID.IsNil() {
		r.ID = id.NewReportID()
	}
	r.Status = report.StatusQueued
	c.seq++
	c.reports[r.ID] = r
	c.seqOf[r.ID] = c.seq

	for len(c.reports) > c.cfg.MaxReportCount {
		victim := c.oldestLocked(func(cand *report.Report) bool { return !cand.InFlight() })
		if victim != nil {
			c.deleteReportLocked(victim)
			continue
		}
		// Everything is in flight: doom the oldest pending report. The
		// count stays above the cap until its upload completes.
		victim = c.oldestLocked(func(cand *report.Report) bool { return cand.Status == report.StatusPending })
		if victim != nil {
			victim.Status = report.StatusDoomed
		}
		break
	}

	c.mu.Unlock()
	c.notifyReportsUpdated()
}

// GetReportsToDeliver returns the queued reports grouped by matched
// endpoint-group key, one batch per key, ordered by each batch's oldest
// report. Reports whose source is expired, and reports with no matching
// group, are excluded and stay queued.
func (c *Cache) GetReportsToDeliver() []Batch {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	var batches []Batch
	index := make(map[endpoint.GroupKey]int)

	for _, r := range c.sortedReportsLocked() {
		if r.Status != report.StatusQueued {
			continue
		}
		if r.HasSource() {
			if src, ok := c.sources[r.Source]; ok && src.expired {
				continue
			}
		}
		key, ok := c.matchGroupLocked(r, now)
		if !ok {
			continue
		}
		if i, ok := index[key]; ok {
			batches[i].Reports = append(batches[i].Reports, r)
			continue
		}
		index[key] = len(batches)
		batches = append(batches, Batch{
			Key:       key,
			Reports:   []*report.Report{r},
			Partition: c.uploadPartitionLocked(key, r),
		})
	}

	return batches
}

// GetReportsForSource returns every non-in-flight report queued for the
// given reporting source, batched by matched group key. Used by the
// immediate-flush path; unlike GetReportsToDeliver it does not skip
// expired sources.
func (c *Cache) GetReportsForSource(source uuid.UUID) []Batch {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	var batches []Batch
	index := make(map[endpoint.GroupKey]int)

	for _, r := range c.sortedReportsLocked() {
		if r.Status != report.StatusQueued || r.Source != source {
			continue
		}
		key, ok := c.matchGroupLocked(r, now)
		if !ok {
			continue
		}
		if i, ok := index[key]; ok {
			batches[i].Reports = append(batches[i].Reports, r)
			continue
		}
		index[key] = len(batches)
		batches = append(batches, Batch{
			Key:       key,
			Reports:   []*report.Report{r},
			Partition: c.uploadPartitionLocked(key, r),
		})
	}

	return batches
}

// uploadPartitionLocked resolves the partition an upload for a group runs
// in. Origin-keyed groups carry it in their key; source-keyed (V1) groups
// take the partition of the document that configured them.
func (c *Cache) uploadPartitionLocked(key endpoint.GroupKey, r *report.Report) partition.Key {
	if !key.IsSourceKeyed() {
		return key.Partition
	}
	if src, ok := c.sources[key.Source]; ok {
		return src.partition
	}
	return r.Partition
}

// MarkPending transitions a batch's reports into the in-flight state.
func (c *Cache) MarkPending(reports []*report.Report) {
	c.mu.Lock()
	for _, r := range reports {
		if r.Status == report.StatusQueued {
			r.Status = report.StatusPending
		}
	}
	c.mu.Unlock()
	c.notifyReportsUpdated()
}

// IncrementAttempts bumps the attempt counter of each report in a batch.
func (c *Cache) IncrementAttempts(reports []*report.Report) {
	c.mu.Lock()
	for _, r := range reports {
		r.Attempts++
	}
	c.mu.Unlock()
}

// RemoveReports deletes a batch outright: successful delivery or
// permanent failure. Doomed reports are deleted the same way.
func (c *Cache) RemoveReports(reports []*report.Report) {
	c.mu.Lock()
	for _, r := range reports {
		c.deleteReportLocked(r)
	}
	c.tombstoneExpiredSourcesLocked()
	c.mu.Unlock()
	c.notifyReportsUpdated()
}

// ClearPending returns an in-flight batch to the queue after a transient
// failure, preserving attempt counts. Reports doomed while in flight are
// discarded instead.
func (c *Cache) ClearPending(reports []*report.Report) {
	c.mu.Lock()
	for _, r := range reports {
		if r.Status == report.StatusDoomed {
			c.deleteReportLocked(r)
			continue
		}
		r.Status = report.StatusQueued
	}
	c.tombstoneExpiredSourcesLocked()
	c.mu.Unlock()
	c.notifyReportsUpdated()
}

// RemoveReportsForSource bulk-deletes all reports of a reporting source.
// In-flight reports are doomed rather than deleted.
func (c *Cache) RemoveReportsForSource(source uuid.UUID) {
	c.mu.Lock()
	for _, r := range c.reports {
		if r.Source != source {
			continue
		}
		if r.InFlight() {
			r.Status = report.StatusDoomed
			continue
		}
		c.deleteReportLocked(r)
	}
	c.mu.Unlock()
	c.notifyReportsUpdated()
}

// GetReports returns all live reports, oldest first.
func (c *Cache) GetReports() []*report.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedReportsLocked()
}

// ReportCount returns the number of live reports, doomed included.
func (c *Cache) ReportCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports)
}

func (c *Cache) deleteReportLocked(r *report.Report) {
	delete(c.reports, r.ID)
	delete(c.seqOf, r.ID)
}

// oldestLocked returns the live report with the smallest (queued-at,
// insertion) order among those matching the predicate, or nil.
func (c *Cache) oldestLocked(pred func(*report.Report) bool) *report.Report {
	var oldest *report.Report
	var oldestSeq uint64
	for rid, r := range c.reports {
		if !pred(r) {
			continue
		}
		seq := c.seqOf[rid]
		if oldest == nil ||
			r.QueuedAt.Before(oldest.QueuedAt) ||
			(r.QueuedAt.Equal(oldest.QueuedAt) && seq < oldestSeq) {
			oldest = r
			oldestSeq = seq
		}
	}
	return oldest
}

func (c *Cache) sortedReportsLocked() []*report.Report {
	out := make([]*report.Report, 0, len(c.reports))
	for _, r := range c.reports {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.QueuedAt.Equal(b.QueuedAt) {
			return a.QueuedAt.Before(b.QueuedAt)
		}
		return c.seqOf[a.ID] < c.seqOf[b.ID]
	})
	return out
}
