// Package memory provides an in-memory Store implementation for unit
// testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/perimetric/reporting/endpoint"
	"github.com/perimetric/reporting/store"
)

// compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store for testing. The
// LoadDelay and LoadErr knobs simulate slow or failing backends.
type Store struct {
	mu sync.RWMutex

	endpoints map[string]*endpoint.Endpoint // keyed by group key + url
	groups    map[string]*endpoint.Group    // keyed by group key

	// LoadDelay delays LoadClients to exercise backlog gating.
	LoadDelay time.Duration

	// LoadErr, when set, makes LoadClients fail.
	LoadErr error

	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		endpoints: make(map[string]*endpoint.Endpoint),
		groups:    make(map[string]*endpoint.Group),
	}
}

// Seed installs a client snapshot for subsequent LoadClients calls.
func (s *Store) Seed(endpoints []*endpoint.Endpoint, groups []*endpoint.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ep := range endpoints {
		cp := *ep
		s.endpoints[endpointKey(ep.GroupKey, ep.URL)] = &cp
	}
	for _, g := range groups {
		cp := *g
		s.groups[g.Key.String()] = &cp
	}
}

// LoadClients returns the current snapshot, after any configured delay.
func (s *Store) LoadClients(ctx context.Context) ([]*endpoint.Endpoint, []*endpoint.Group, error) {
	s.mu.RLock()
	delay := s.LoadDelay
	s.mu.RUnlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, nil, store.ErrClosed
	}
	if s.LoadErr != nil {
		return nil, nil, s.LoadErr
	}

	eps := make([]*endpoint.Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		cp := *ep
		eps = append(eps, &cp)
	}
	groups := make([]*endpoint.Group, 0, len(s.groups))
	for _, g := range s.groups {
		cp := *g
		groups = append(groups, &cp)
	}
	return eps, groups, nil
}

// UpsertEndpoint writes one endpoint.
func (s *Store) UpsertEndpoint(_ context.Context, ep *endpoint.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	cp := *ep
	s.endpoints[endpointKey(ep.GroupKey, ep.URL)] = &cp
	return nil
}

// UpsertGroup writes one group.
func (s *Store) UpsertGroup(_ context.Context, g *endpoint.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	cp := *g
	s.groups[g.Key.String()] = &cp
	return nil
}

// DeleteEndpoint removes one endpoint; removing a missing row is a no-op.
func (s *Store) DeleteEndpoint(_ context.Context, key endpoint.GroupKey, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	delete(s.endpoints, endpointKey(key, url))
	return nil
}

// DeleteGroup removes a group and its endpoints.
func (s *Store) DeleteGroup(_ context.Context, key endpoint.GroupKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	delete(s.groups, key.String())
	for k, ep := range s.endpoints {
		if ep.GroupKey == key {
			delete(s.endpoints, k)
		}
	}
	return nil
}

// Ping reports whether the store is open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// EndpointCount returns the number of stored endpoints.
func (s *Store) EndpointCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.endpoints)
}

// GroupCount returns the number of stored groups.
func (s *Store) GroupCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups)
}

func endpointKey(key endpoint.GroupKey, url string) string {
	return key.String() + "|" + url
}
