// Package redis provides a Redis-backed Store.
//
// Clients live in two hashes: one field per endpoint group and one per
// endpoint, each holding a JSON document. A full load is two HGETALLs.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/perimetric/reporting/endpoint"
	"github.com/perimetric/reporting/partition"
	"github.com/perimetric/reporting/store"
)

// Hash keys for client storage.
const (
	hashGroups    = "reporting:groups"
	hashEndpoints = "reporting:endpoints"
)

// compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store persists reporting clients in Redis.
type Store struct {
	rdb goredis.UniversalClient
}

// New creates a Redis store on an existing client.
func New(rdb goredis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

type groupModel struct {
	Origin            string `json:"origin"`
	Partition         string `json:"partition"`
	Group             string `json:"group"`
	IncludeSubdomains bool   `json:"include_subdomains"`
	ExpiresUs         int64  `json:"expires_us"`
	LastUsedUs        int64  `json:"last_used_us"`
}

type endpointModel struct {
	Origin    string `json:"origin"`
	Partition string `json:"partition"`
	Group     string `json:"group"`
	URL       string `json:"url"`
	Priority  int    `json:"priority"`
	Weight    int    `json:"weight"`
}

// LoadClients reads the full snapshot.
func (s *Store) LoadClients(ctx context.Context) ([]*endpoint.Endpoint, []*endpoint.Group, error) {
	groupFields, err := s.rdb.HGetAll(ctx, hashGroups).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("reporting/redis: load groups: %w", err)
	}
	groups := make([]*endpoint.Group, 0, len(groupFields))
	for field, raw := range groupFields {
		var m groupModel
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, nil, fmt.Errorf("reporting/redis: decode group %q: %w", field, err)
		}
		groups = append(groups, &endpoint.Group{
			Key:               groupKeyOf(m.Origin, m.Partition, m.Group),
			IncludeSubdomains: m.IncludeSubdomains,
			Expires:           timeFromMicros(m.ExpiresUs),
			LastUsed:          timeFromMicros(m.LastUsedUs),
		})
	}

	epFields, err := s.rdb.HGetAll(ctx, hashEndpoints).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("reporting/redis: load endpoints: %w", err)
	}
	endpoints := make([]*endpoint.Endpoint, 0, len(epFields))
	for field, raw := range epFields {
		var m endpointModel
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, nil, fmt.Errorf("reporting/redis: decode endpoint %q: %w", field, err)
		}
		endpoints = append(endpoints, &endpoint.Endpoint{
			GroupKey: groupKeyOf(m.Origin, m.Partition, m.Group),
			URL:      m.URL,
			Priority: m.Priority,
			Weight:   m.Weight,
		})
	}

	return endpoints, groups, nil
}

// UpsertEndpoint writes one endpoint field.
func (s *Store) UpsertEndpoint(ctx context.Context, ep *endpoint.Endpoint) error {
	m := endpointModel{
		Origin:    ep.GroupKey.Origin,
		Partition: string(ep.GroupKey.Partition),
		Group:     ep.GroupKey.Group,
		URL:       ep.URL,
		Priority:  ep.Priority,
		Weight:    ep.Weight,
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("reporting/redis: encode endpoint: %w", err)
	}
	if err := s.rdb.HSet(ctx, hashEndpoints, endpointField(ep.GroupKey, ep.URL), raw).Err(); err != nil {
		return fmt.Errorf("reporting/redis: upsert endpoint: %w", err)
	}
	return nil
}

// UpsertGroup writes one group field.
func (s *Store) UpsertGroup(ctx context.Context, g *endpoint.Group) error {
	m := groupModel{
		Origin:            g.Key.Origin,
		Partition:         string(g.Key.Partition),
		Group:             g.Key.Group,
		IncludeSubdomains: g.IncludeSubdomains,
		ExpiresUs:         microsFromTime(g.Expires),
		LastUsedUs:        microsFromTime(g.LastUsed),
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("reporting/redis: encode group: %w", err)
	}
	if err := s.rdb.HSet(ctx, hashGroups, g.Key.String(), raw).Err(); err != nil {
		return fmt.Errorf("reporting/redis: upsert group: %w", err)
	}
	return nil
}

// DeleteEndpoint removes one endpoint field.
func (s *Store) DeleteEndpoint(ctx context.Context, key endpoint.GroupKey, url string) error {
	if err := s.rdb.HDel(ctx, hashEndpoints, endpointField(key, url)).Err(); err != nil {
		return fmt.Errorf("reporting/redis: delete endpoint: %w", err)
	}
	return nil
}

// DeleteGroup removes a group field and all its endpoint fields.
func (s *Store) DeleteGroup(ctx context.Context, key endpoint.GroupKey) error {
	if err := s.rdb.HDel(ctx, hashGroups, key.String()).Err(); err != nil {
		return fmt.Errorf("reporting/redis: delete group: %w", err)
	}

	// Endpoint fields are prefixed by the group key; scan and drop them.
	fields, err := s.rdb.HKeys(ctx, hashEndpoints).Result()
	if err != nil {
		return fmt.Errorf("reporting/redis: list endpoints: %w", err)
	}
	prefix := key.String() + "|"
	var doomed []string
	for _, f := range fields {
		if len(f) > len(prefix) && f[:len(prefix)] == prefix {
			doomed = append(doomed, f)
		}
	}
	if len(doomed) > 0 {
		if err := s.rdb.HDel(ctx, hashEndpoints, doomed...).Err(); err != nil {
			return fmt.Errorf("reporting/redis: delete group endpoints: %w", err)
		}
	}
	return nil
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func endpointField(key endpoint.GroupKey, url string) string {
	return key.String() + "|" + url
}

func groupKeyOf(origin, part, name string) endpoint.GroupKey {
	return endpoint.GroupKey{
		Origin:    origin,
		Partition: partition.Key(part),
		Group:     name,
	}
}

func microsFromTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func timeFromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
