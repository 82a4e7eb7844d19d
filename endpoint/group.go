package endpoint

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/perimetric/reporting/partition"
)

// GroupKey identifies an endpoint group. A group is keyed either by
// (origin, partition, group name) when configured via the Report-To header,
// or by (reporting source, group name) when configured via the
// Reporting-Endpoints header on a document. The two flavors never collide:
// a source-keyed key has a zero Origin and an origin-keyed key has a zero
// Source.
type GroupKey struct {
	// Source is the reporting-source token for V1 (document) groups, or
	// uuid.Nil for origin-keyed groups.
	Source uuid.UUID `json:"source,omitzero"`

	// Origin is the serialized origin (scheme://host[:port]) that
	// configured the group. Empty for source-keyed groups.
	Origin string `json:"origin,omitempty"`

	// Partition is the network partition the group is scoped to.
	Partition partition.Key `json:"partition,omitempty"`

	// Group is the group name. "default" when the header omitted one.
	Group string `json:"group"`
}

// IsSourceKeyed reports whether the key belongs to a V1 document group.
func (k GroupKey) IsSourceKeyed() bool { return k.Source != uuid.Nil }

// String returns a stable composite form usable as a store key.
func (k GroupKey) String() string {
	if k.IsSourceKeyed() {
		return strings.Join([]string{"src", k.Source.String(), k.Group}, "|")
	}
	return strings.Join([]string{"org", k.Origin, string(k.Partition), k.Group}, "|")
}

// Group is a named bucket of endpoints sharing an expiry.
type Group struct {
	// Key identifies the group.
	Key GroupKey `json:"key"`

	// IncludeSubdomains extends the group to subdomains of its origin's
	// host, down to (not including) the public suffix.
	IncludeSubdomains bool `json:"include_subdomains"`

	// Expires is when the group stops being eligible for delivery. The
	// zero value means no expiry (V1 groups, which die with their source).
	Expires time.Time `json:"expires,omitzero"`

	// LastUsed is when the group last had an endpoint chosen for upload.
	LastUsed time.Time `json:"last_used,omitzero"`
}

// Expired reports whether the group is past its expiry at the given time.
// Expired groups are invisible to delivery but retained until GC.
func (g *Group) Expired(now time.Time) bool {
	return !g.Expires.IsZero() && !g.Expires.After(now)
}
