// Package store defines the persistence contract for reporting clients.
//
// The store holds a snapshot of origin-keyed endpoints and endpoint groups
// so that configured clients survive restarts. It is loaded exactly once,
// at first use of the service, and written incrementally when the cache
// flushes its dirty set. Reports and source-keyed (V1) clients are never
// persisted; they die with the session and the document respectively.
package store

import (
	"context"

	"github.com/perimetric/reporting/endpoint"
)

// Store is the persistence backend for reporting clients.
//
// Implementations must tolerate upserts for rows that do not exist yet and
// deletes for rows already gone: the cache journals a group delete ahead of
// every endpoint replacement, including for groups never written before. A
// Flush that fails partway does not retry the operations it did not reach.
type Store interface {
	// LoadClients returns the persisted snapshot. Called at most once per
	// service lifetime.
	LoadClients(ctx context.Context) ([]*endpoint.Endpoint, []*endpoint.Group, error)

	// UpsertEndpoint writes a single endpoint, keyed by (group key, url).
	UpsertEndpoint(ctx context.Context, ep *endpoint.Endpoint) error

	// UpsertGroup writes a single endpoint group, keyed by its group key.
	UpsertGroup(ctx context.Context, g *endpoint.Group) error

	// DeleteEndpoint removes one endpoint of a group.
	DeleteEndpoint(ctx context.Context, key endpoint.GroupKey, url string) error

	// DeleteGroup removes a group and all its endpoints.
	DeleteGroup(ctx context.Context, key endpoint.GroupKey) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
