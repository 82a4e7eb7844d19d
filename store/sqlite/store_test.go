package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/perimetric/reporting/endpoint"
	"github.com/perimetric/reporting/partition"
	"github.com/perimetric/reporting/store/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "reporting.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRoundTrip(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	key := endpoint.GroupKey{Origin: "https://a.test", Partition: partition.Key("pk1"), Group: "g"}
	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := st.UpsertGroup(ctx, &endpoint.Group{
		Key:               key,
		IncludeSubdomains: true,
		Expires:           expires,
		LastUsed:          expires.Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertEndpoint(ctx, &endpoint.Endpoint{
		GroupKey: key, URL: "https://r.test/r", Priority: 2, Weight: 3,
	}); err != nil {
		t.Fatal(err)
	}

	eps, groups, err := st.LoadClients(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || len(eps) != 1 {
		t.Fatalf("loaded %d groups / %d endpoints, want 1/1", len(groups), len(eps))
	}
	if groups[0].Key != key || !groups[0].IncludeSubdomains || !groups[0].Expires.Equal(expires) {
		t.Errorf("group = %+v", groups[0])
	}
	if eps[0].GroupKey != key || eps[0].Priority != 2 || eps[0].Weight != 3 {
		t.Errorf("endpoint = %+v", eps[0])
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	key := endpoint.GroupKey{Origin: "https://a.test", Group: "g"}
	for i := 0; i < 2; i++ {
		if err := st.UpsertGroup(ctx, &endpoint.Group{Key: key}); err != nil {
			t.Fatal(err)
		}
		if err := st.UpsertEndpoint(ctx, &endpoint.Endpoint{GroupKey: key, URL: "https://r.test/r", Priority: 1, Weight: 1}); err != nil {
			t.Fatal(err)
		}
	}

	eps, groups, err := st.LoadClients(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || len(eps) != 1 {
		t.Fatalf("loaded %d groups / %d endpoints after double upsert, want 1/1", len(groups), len(eps))
	}
}

func TestDeleteGroupCascades(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	key := endpoint.GroupKey{Origin: "https://a.test", Group: "g"}
	if err := st.UpsertGroup(ctx, &endpoint.Group{Key: key}); err != nil {
		t.Fatal(err)
	}
	for _, u := range []string{"https://r1.test/r", "https://r2.test/r"} {
		if err := st.UpsertEndpoint(ctx, &endpoint.Endpoint{GroupKey: key, URL: u, Priority: 1, Weight: 1}); err != nil {
			t.Fatal(err)
		}
	}

	if err := st.DeleteGroup(ctx, key); err != nil {
		t.Fatal(err)
	}
	eps, groups, err := st.LoadClients(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 0 || len(eps) != 0 {
		t.Fatalf("after delete: %d groups / %d endpoints, want 0/0", len(groups), len(eps))
	}
}
