package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/perimetric/reporting/endpoint"
	"github.com/perimetric/reporting/store"
	"github.com/perimetric/reporting/store/memory"
)

var testKey = endpoint.GroupKey{Origin: "https://a.test", Group: "g"}

func TestUpsertLoadRoundTrip(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	g := &endpoint.Group{Key: testKey, IncludeSubdomains: true, Expires: time.Now().Add(time.Hour)}
	ep := &endpoint.Endpoint{GroupKey: testKey, URL: "https://r.test/r", Priority: 2, Weight: 3}

	if err := st.UpsertGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertEndpoint(ctx, ep); err != nil {
		t.Fatal(err)
	}
	// Upserting the same rows again does not duplicate.
	if err := st.UpsertGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertEndpoint(ctx, ep); err != nil {
		t.Fatal(err)
	}

	eps, groups, err := st.LoadClients(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || len(eps) != 1 {
		t.Fatalf("loaded %d groups / %d endpoints, want 1/1", len(groups), len(eps))
	}
	if eps[0].URL != "https://r.test/r" || eps[0].Priority != 2 || eps[0].Weight != 3 {
		t.Errorf("endpoint = %+v", eps[0])
	}
	if !groups[0].IncludeSubdomains {
		t.Error("include_subdomains lost")
	}
}

func TestDeleteGroupRemovesEndpoints(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	if err := st.UpsertGroup(ctx, &endpoint.Group{Key: testKey}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertEndpoint(ctx, &endpoint.Endpoint{GroupKey: testKey, URL: "https://r.test/r"}); err != nil {
		t.Fatal(err)
	}

	if err := st.DeleteGroup(ctx, testKey); err != nil {
		t.Fatal(err)
	}
	if st.GroupCount() != 0 || st.EndpointCount() != 0 {
		t.Fatalf("after delete: %d groups / %d endpoints", st.GroupCount(), st.EndpointCount())
	}

	// Deleting again is a no-op.
	if err := st.DeleteGroup(ctx, testKey); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteEndpoint(ctx, testKey, "https://r.test/r"); err != nil {
		t.Fatal(err)
	}
}

func TestClosedStoreErrors(t *testing.T) {
	st := memory.New()
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	if err := st.Ping(context.Background()); !errors.Is(err, store.ErrClosed) {
		t.Errorf("Ping after close = %v, want ErrClosed", err)
	}
	if _, _, err := st.LoadClients(context.Background()); !errors.Is(err, store.ErrClosed) {
		t.Errorf("LoadClients after close = %v, want ErrClosed", err)
	}
}

func TestLoadDelayHonorsContext(t *testing.T) {
	st := memory.New()
	st.LoadDelay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := st.LoadClients(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("LoadClients = %v, want context.Canceled", err)
	}
}
