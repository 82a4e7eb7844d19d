// Package postgres provides a Postgres-backed Store using pgx.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perimetric/reporting/endpoint"
	"github.com/perimetric/reporting/partition"
	"github.com/perimetric/reporting/store"
)

// compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store persists reporting clients in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Postgres store on an existing connection pool and ensures
// the schema exists.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS reporting_endpoint_groups (
  origin             TEXT NOT NULL,
  partition_key      TEXT NOT NULL,
  group_name         TEXT NOT NULL,
  include_subdomains BOOLEAN NOT NULL,
  expires_us         BIGINT NOT NULL,
  last_used_us       BIGINT NOT NULL,
  PRIMARY KEY (origin, partition_key, group_name)
);
CREATE TABLE IF NOT EXISTS reporting_endpoints (
  origin        TEXT NOT NULL,
  partition_key TEXT NOT NULL,
  group_name    TEXT NOT NULL,
  url           TEXT NOT NULL,
  priority      INTEGER NOT NULL,
  weight        INTEGER NOT NULL,
  PRIMARY KEY (origin, partition_key, group_name, url)
);`)
	if err != nil {
		return fmt.Errorf("reporting/postgres: schema: %w", err)
	}
	return nil
}

// LoadClients reads the full snapshot.
func (s *Store) LoadClients(ctx context.Context) ([]*endpoint.Endpoint, []*endpoint.Group, error) {
	rows, err := s.pool.Query(ctx, `
SELECT origin, partition_key, group_name, include_subdomains, expires_us, last_used_us
FROM reporting_endpoint_groups`)
	if err != nil {
		return nil, nil, fmt.Errorf("reporting/postgres: load groups: %w", err)
	}
	defer rows.Close()

	var groups []*endpoint.Group
	for rows.Next() {
		var origin, part, name string
		var includeSubdomains bool
		var expiresUs, lastUsedUs int64
		if err := rows.Scan(&origin, &part, &name, &includeSubdomains, &expiresUs, &lastUsedUs); err != nil {
			return nil, nil, fmt.Errorf("reporting/postgres: scan group: %w", err)
		}
		groups = append(groups, &endpoint.Group{
			Key:               groupKeyOf(origin, part, name),
			IncludeSubdomains: includeSubdomains,
			Expires:           timeFromMicros(expiresUs),
			LastUsed:          timeFromMicros(lastUsedUs),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("reporting/postgres: load groups: %w", err)
	}

	epRows, err := s.pool.Query(ctx, `
SELECT origin, partition_key, group_name, url, priority, weight
FROM reporting_endpoints`)
	if err != nil {
		return nil, nil, fmt.Errorf("reporting/postgres: load endpoints: %w", err)
	}
	defer epRows.Close()

	var endpoints []*endpoint.Endpoint
	for epRows.Next() {
		var origin, part, name, url string
		var priority, weight int
		if err := epRows.Scan(&origin, &part, &name, &url, &priority, &weight); err != nil {
			return nil, nil, fmt.Errorf("reporting/postgres: scan endpoint: %w", err)
		}
		endpoints = append(endpoints, &endpoint.Endpoint{
			GroupKey: groupKeyOf(origin, part, name),
			URL:      url,
			Priority: priority,
			Weight:   weight,
		})
	}
	if err := epRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("reporting/postgres: load endpoints: %w", err)
	}

	return endpoints, groups, nil
}

// UpsertEndpoint writes one endpoint row.
func (s *Store) UpsertEndpoint(ctx context.Context, ep *endpoint.Endpoint) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO reporting_endpoints (origin, partition_key, group_name, url, priority, weight)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (origin, partition_key, group_name, url)
DO UPDATE SET priority = EXCLUDED.priority, weight = EXCLUDED.weight`,
		ep.GroupKey.Origin, string(ep.GroupKey.Partition), ep.GroupKey.Group,
		ep.URL, ep.Priority, ep.Weight)
	if err != nil {
		return fmt.Errorf("reporting/postgres: upsert endpoint: %w", err)
	}
	return nil
}

// UpsertGroup writes one group row.
func (s *Store) UpsertGroup(ctx context.Context, g *endpoint.Group) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO reporting_endpoint_groups
  (origin, partition_key, group_name, include_subdomains, expires_us, last_used_us)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (origin, partition_key, group_name)
DO UPDATE SET include_subdomains = EXCLUDED.include_subdomains,
              expires_us = EXCLUDED.expires_us,
              last_used_us = EXCLUDED.last_used_us`,
		g.Key.Origin, string(g.Key.Partition), g.Key.Group,
		g.IncludeSubdomains, microsFromTime(g.Expires), microsFromTime(g.LastUsed))
	if err != nil {
		return fmt.Errorf("reporting/postgres: upsert group: %w", err)
	}
	return nil
}

// DeleteEndpoint removes one endpoint row.
func (s *Store) DeleteEndpoint(ctx context.Context, key endpoint.GroupKey, url string) error {
	_, err := s.pool.Exec(ctx, `
DELETE FROM reporting_endpoints
WHERE origin = $1 AND partition_key = $2 AND group_name = $3 AND url = $4`,
		key.Origin, string(key.Partition), key.Group, url)
	if err != nil {
		return fmt.Errorf("reporting/postgres: delete endpoint: %w", err)
	}
	return nil
}

// DeleteGroup removes a group and its endpoints.
func (s *Store) DeleteGroup(ctx context.Context, key endpoint.GroupKey) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reporting/postgres: delete group: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx, `
DELETE FROM reporting_endpoint_groups
WHERE origin = $1 AND partition_key = $2 AND group_name = $3`,
		key.Origin, string(key.Partition), key.Group); err != nil {
		return fmt.Errorf("reporting/postgres: delete group: %w", err)
	}
	if _, err := tx.Exec(ctx, `
DELETE FROM reporting_endpoints
WHERE origin = $1 AND partition_key = $2 AND group_name = $3`,
		key.Origin, string(key.Partition), key.Group); err != nil {
		return fmt.Errorf("reporting/postgres: delete group endpoints: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reporting/postgres: delete group: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
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
