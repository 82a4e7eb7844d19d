// Package report defines the report model: the ingress records queued by
// documents and drained by the delivery agent.
package report

import (
	"time"

	"github.com/google/uuid"

	"github.com/perimetric/reporting/id"
	"github.com/perimetric/reporting/partition"
)

// Status is the delivery lifecycle state of a report.
type Status string

const (
	// StatusQueued means the report is awaiting inclusion in a batch.
	StatusQueued Status = "queued"

	// StatusPending means the report is part of an in-flight upload.
	StatusPending Status = "pending"

	// StatusDoomed means the report was deleted while in flight and will
	// be discarded when its upload completes.
	StatusDoomed Status = "doomed"

	// StatusSuccess means the report was delivered. The cache deletes
	// delivered reports outright, so no live report carries this status.
	StatusSuccess Status = "success"
)

// Report is a single ingress record. Reports are owned by the cache;
// delivery operates on references and mutates only Attempts and Status.
type Report struct {
	// ID is the cache-arena key for this report.
	ID id.ID `json:"id"`

	// Source is the reporting-source token of the configuring document,
	// or uuid.Nil when the report is origin-scoped.
	Source uuid.UUID `json:"source,omitzero"`

	// Partition is the network partition the report was queued in.
	Partition partition.Key `json:"partition,omitempty"`

	// URL is the sanitized report URL: the origin of the original URL
	// with userinfo, path, query, and fragment stripped.
	URL string `json:"url"`

	// UserAgent is the User-Agent of the request that generated the
	// report.
	UserAgent string `json:"user_agent"`

	// Group is the endpoint group the report is destined for.
	Group string `json:"group"`

	// Type is the report type (e.g. "deprecation", "csp-violation").
	Type string `json:"type"`

	// Body is the structured report payload.
	Body any `json:"body"`

	// Depth is how many nested report uploads produced this report. Used
	// by embedders to break report loops.
	Depth int `json:"depth"`

	// QueuedAt is the tick the report was queued at. Recorded before
	// backlog gating so replay preserves chronological age.
	QueuedAt time.Time `json:"queued_at"`

	// Attempts is the number of delivery attempts made so far.
	Attempts int `json:"attempts"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`
}

// HasSource reports whether the report carries a reporting-source token.
func (r *Report) HasSource() bool { return r.Source != uuid.Nil }

// InFlight reports whether the report is part of an in-flight upload.
func (r *Report) InFlight() bool {
	return r.Status == StatusPending || r.Status == StatusDoomed
}

// Origin returns the serialized origin (scheme://host[:port]) of the
// report URL.
func (r *Report) Origin() string {
	if len(r.URL) > 0 && r.URL[len(r.URL)-1] == '/' {
		return r.URL[:len(r.URL)-1]
	}
	return r.URL
}
