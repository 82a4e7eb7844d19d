// Package sqlite provides a SQLite-backed Store using database/sql.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/perimetric/reporting/endpoint"
	"github.com/perimetric/reporting/partition"
	"github.com/perimetric/reporting/store"
)

// compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store persists reporting clients in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (and if necessary creates) the database at path.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("reporting/sqlite: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("reporting/sqlite: ping: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS reporting_endpoint_groups (
  origin             TEXT NOT NULL,
  partition_key      TEXT NOT NULL,
  group_name         TEXT NOT NULL,
  include_subdomains INTEGER NOT NULL CHECK (include_subdomains IN (0,1)),
  expires_us         INTEGER NOT NULL,
  last_used_us       INTEGER NOT NULL,
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
);
CREATE INDEX IF NOT EXISTS idx_reporting_endpoints_group
  ON reporting_endpoints(origin, partition_key, group_name);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("reporting/sqlite: schema: %w", err)
	}
	return &Store{db: db}, nil
}

// LoadClients reads the full snapshot.
func (s *Store) LoadClients(ctx context.Context) ([]*endpoint.Endpoint, []*endpoint.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT origin, partition_key, group_name, include_subdomains, expires_us, last_used_us
FROM reporting_endpoint_groups`)
	if err != nil {
		return nil, nil, fmt.Errorf("reporting/sqlite: load groups: %w", err)
	}
	defer rows.Close()

	var groups []*endpoint.Group
	for rows.Next() {
		var origin, part, name string
		var includeSubdomains int
		var expiresUs, lastUsedUs int64
		if err := rows.Scan(&origin, &part, &name, &includeSubdomains, &expiresUs, &lastUsedUs); err != nil {
			return nil, nil, fmt.Errorf("reporting/sqlite: scan group: %w", err)
		}
		groups = append(groups, &endpoint.Group{
			Key:               groupKey(origin, part, name),
			IncludeSubdomains: includeSubdomains != 0,
			Expires:           timeFromMicros(expiresUs),
			LastUsed:          timeFromMicros(lastUsedUs),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("reporting/sqlite: load groups: %w", err)
	}

	epRows, err := s.db.QueryContext(ctx, `
SELECT origin, partition_key, group_name, url, priority, weight
FROM reporting_endpoints`)
	if err != nil {
		return nil, nil, fmt.Errorf("reporting/sqlite: load endpoints: %w", err)
	}
	defer epRows.Close()

	var endpoints []*endpoint.Endpoint
	for epRows.Next() {
		var origin, part, name, url string
		var priority, weight int
		if err := epRows.Scan(&origin, &part, &name, &url, &priority, &weight); err != nil {
			return nil, nil, fmt.Errorf("reporting/sqlite: scan endpoint: %w", err)
		}
		endpoints = append(endpoints, &endpoint.Endpoint{
			GroupKey: groupKey(origin, part, name),
			URL:      url,
			Priority: priority,
			Weight:   weight,
		})
	}
	if err := epRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("reporting/sqlite: load endpoints: %w", err)
	}

	return endpoints, groups, nil
}

// UpsertEndpoint writes one endpoint row.
func (s *Store) UpsertEndpoint(ctx context.Context, ep *endpoint.Endpoint) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reporting_endpoints (origin, partition_key, group_name, url, priority, weight)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (origin, partition_key, group_name, url)
DO UPDATE SET priority = excluded.priority, weight = excluded.weight`,
		ep.GroupKey.Origin, string(ep.GroupKey.Partition), ep.GroupKey.Group,
		ep.URL, ep.Priority, ep.Weight)
	if err != nil {
		return fmt.Errorf("reporting/sqlite: upsert endpoint: %w", err)
	}
	return nil
}

// UpsertGroup writes one group row.
func (s *Store) UpsertGroup(ctx context.Context, g *endpoint.Group) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reporting_endpoint_groups
  (origin, partition_key, group_name, include_subdomains, expires_us, last_used_us)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (origin, partition_key, group_name)
DO UPDATE SET include_subdomains = excluded.include_subdomains,
              expires_us = excluded.expires_us,
              last_used_us = excluded.last_used_us`,
		g.Key.Origin, string(g.Key.Partition), g.Key.Group,
		boolToInt(g.IncludeSubdomains), microsFromTime(g.Expires), microsFromTime(g.LastUsed))
	if err != nil {
		return fmt.Errorf("reporting/sqlite: upsert group: %w", err)
	}
	return nil
}

// DeleteEndpoint removes one endpoint row.
func (s *Store) DeleteEndpoint(ctx context.Context, key endpoint.GroupKey, url string) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM reporting_endpoints
WHERE origin = ? AND partition_key = ? AND group_name = ? AND url = ?`,
		key.Origin, string(key.Partition), key.Group, url)
	if err != nil {
		return fmt.Errorf("reporting/sqlite: delete endpoint: %w", err)
	}
	return nil
}

// DeleteGroup removes a group and its endpoints.
func (s *Store) DeleteGroup(ctx context.Context, key endpoint.GroupKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reporting/sqlite: delete group: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, `
DELETE FROM reporting_endpoint_groups
WHERE origin = ? AND partition_key = ? AND group_name = ?`,
		key.Origin, string(key.Partition), key.Group); err != nil {
		return fmt.Errorf("reporting/sqlite: delete group: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM reporting_endpoints
WHERE origin = ? AND partition_key = ? AND group_name = ?`,
		key.Origin, string(key.Partition), key.Group); err != nil {
		return fmt.Errorf("reporting/sqlite: delete group endpoints: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reporting/sqlite: delete group: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func groupKey(origin, part, name string) endpoint.GroupKey {
	return endpoint.GroupKey{
		Origin:    origin,
		Partition: partition.Key(part),
		Group:     name,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
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
