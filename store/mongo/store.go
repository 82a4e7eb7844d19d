// Package mongo provides a MongoDB-backed Store.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/perimetric/reporting/endpoint"
	"github.com/perimetric/reporting/partition"
	"github.com/perimetric/reporting/store"
)

// Collection names.
const (
	colGroups    = "reporting_endpoint_groups"
	colEndpoints = "reporting_endpoints"
)

// compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store persists reporting clients in MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New creates a Mongo store on an existing client.
func New(client *mongo.Client, database string) *Store {
	return &Store{
		client: client,
		db:     client.Database(database),
	}
}

type groupModel struct {
	ID                string `bson:"_id"`
	Origin            string `bson:"origin"`
	Partition         string `bson:"partition"`
	Group             string `bson:"group"`
	IncludeSubdomains bool   `bson:"include_subdomains"`
	ExpiresUs         int64  `bson:"expires_us"`
	LastUsedUs        int64  `bson:"last_used_us"`
}

type endpointModel struct {
	ID        string `bson:"_id"`
	Origin    string `bson:"origin"`
	Partition string `bson:"partition"`
	Group     string `bson:"group"`
	URL       string `bson:"url"`
	Priority  int    `bson:"priority"`
	Weight    int    `bson:"weight"`
}

// LoadClients reads the full snapshot.
func (s *Store) LoadClients(ctx context.Context) ([]*endpoint.Endpoint, []*endpoint.Group, error) {
	cur, err := s.db.Collection(colGroups).Find(ctx, bson.D{})
	if err != nil {
		return nil, nil, fmt.Errorf("reporting/mongo: load groups: %w", err)
	}
	var groupDocs []groupModel
	if err := cur.All(ctx, &groupDocs); err != nil {
		return nil, nil, fmt.Errorf("reporting/mongo: decode groups: %w", err)
	}
	groups := make([]*endpoint.Group, 0, len(groupDocs))
	for _, m := range groupDocs {
		groups = append(groups, &endpoint.Group{
			Key:               groupKeyOf(m.Origin, m.Partition, m.Group),
			IncludeSubdomains: m.IncludeSubdomains,
			Expires:           timeFromMicros(m.ExpiresUs),
			LastUsed:          timeFromMicros(m.LastUsedUs),
		})
	}

	epCur, err := s.db.Collection(colEndpoints).Find(ctx, bson.D{})
	if err != nil {
		return nil, nil, fmt.Errorf("reporting/mongo: load endpoints: %w", err)
	}
	var epDocs []endpointModel
	if err := epCur.All(ctx, &epDocs); err != nil {
		return nil, nil, fmt.Errorf("reporting/mongo: decode endpoints: %w", err)
	}
	endpoints := make([]*endpoint.Endpoint, 0, len(epDocs))
	for _, m := range epDocs {
		endpoints = append(endpoints, &endpoint.Endpoint{
			GroupKey: groupKeyOf(m.Origin, m.Partition, m.Group),
			URL:      m.URL,
			Priority: m.Priority,
			Weight:   m.Weight,
		})
	}

	return endpoints, groups, nil
}

// UpsertEndpoint writes one endpoint document.
func (s *Store) UpsertEndpoint(ctx context.Context, ep *endpoint.Endpoint) error {
	m := endpointModel{
		ID:        ep.GroupKey.String() + "|" + ep.URL,
		Origin:    ep.GroupKey.Origin,
		Partition: string(ep.GroupKey.Partition),
		Group:     ep.GroupKey.Group,
		URL:       ep.URL,
		Priority:  ep.Priority,
		Weight:    ep.Weight,
	}
	_, err := s.db.Collection(colEndpoints).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: m.ID}}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("reporting/mongo: upsert endpoint: %w", err)
	}
	return nil
}

// UpsertGroup writes one group document.
func (s *Store) UpsertGroup(ctx context.Context, g *endpoint.Group) error {
	m := groupModel{
		ID:                g.Key.String(),
		Origin:            g.Key.Origin,
		Partition:         string(g.Key.Partition),
		Group:             g.Key.Group,
		IncludeSubdomains: g.IncludeSubdomains,
		ExpiresUs:         microsFromTime(g.Expires),
		LastUsedUs:        microsFromTime(g.LastUsed),
	}
	_, err := s.db.Collection(colGroups).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: m.ID}}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("reporting/mongo: upsert group: %w", err)
	}
	return nil
}

// DeleteEndpoint removes one endpoint document.
func (s *Store) DeleteEndpoint(ctx context.Context, key endpoint.GroupKey, url string) error {
	_, err := s.db.Collection(colEndpoints).DeleteOne(ctx,
		bson.D{{Key: "_id", Value: key.String() + "|" + url}})
	if err != nil {
		return fmt.Errorf("reporting/mongo: delete endpoint: %w", err)
	}
	return nil
}

// DeleteGroup removes a group document and all its endpoint documents.
func (s *Store) DeleteGroup(ctx context.Context, key endpoint.GroupKey) error {
	if _, err := s.db.Collection(colGroups).DeleteOne(ctx,
		bson.D{{Key: "_id", Value: key.String()}}); err != nil {
		return fmt.Errorf("reporting/mongo: delete group: %w", err)
	}
	if _, err := s.db.Collection(colEndpoints).DeleteMany(ctx, bson.D{
		{Key: "origin", Value: key.Origin},
		{Key: "partition", Value: string(key.Partition)},
		{Key: "group", Value: key.Group},
	}); err != nil {
		return fmt.Errorf("reporting/mongo: delete group endpoints: %w", err)
	}
	return nil
}

// Ping checks server connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
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
