// Package endpoint defines the client-side data model of the reporting
// cache: endpoints, endpoint groups, and their keys.
package endpoint

import (
	"time"
)

// Default priority and weight applied when a Report-To endpoint object
// omits them.
const (
	DefaultPriority = 1
	DefaultWeight   = 1
)

// Statistics tracks per-endpoint delivery counters.
type Statistics struct {
	// SuccessfulUploads is the number of uploads this endpoint accepted.
	SuccessfulUploads int `json:"successful_uploads"`

	// FailedUploads is the number of uploads this endpoint failed.
	FailedUploads int `json:"failed_uploads"`

	// SuccessfulReports is the number of reports delivered through this
	// endpoint.
	SuccessfulReports int `json:"successful_reports"`

	// LastUsed is when this endpoint was last chosen for an upload.
	LastUsed time.Time `json:"last_used,omitzero"`
}

// Endpoint is a single delivery target inside an endpoint group.
type Endpoint struct {
	// GroupKey identifies the group this endpoint belongs to.
	GroupKey GroupKey `json:"group_key"`

	// URL is the upload target. Must be potentially trustworthy; enforced
	// at header ingest.
	URL string `json:"url"`

	// Priority orders endpoints within a group; lower is tried first.
	Priority int `json:"priority"`

	// Weight biases random selection among endpoints of equal priority.
	Weight int `json:"weight"`

	// Stats holds delivery counters for this endpoint.
	Stats Statistics `json:"stats"`

	// PendingUploads is the number of in-flight uploads using this
	// endpoint.
	PendingUploads int `json:"-"`
}
